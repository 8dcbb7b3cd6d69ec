// Package replay implements the drain loop that replays queued offline
// mutations against the remote apply endpoint.
//
// # Ordering and re-entrancy
//
// Within one drain pass, records are dispatched strictly in enqueue order;
// record N+1 is not dispatched until record N's outcome has been fully
// processed and the queue updated. Sequential dispatch bounds worst-case
// amplification on a flaky connection and preserves per-resource ordering
// for a single device's offline edit history (title-then-content edits to
// the same note must apply in the order the user made them).
//
// Across passes, a mutex serializes drains and a buffered signal channel
// of size 1 coalesces triggers: a reconnect event arriving during an
// active drain results in exactly one follow-up pass, never a concurrent
// one.
package replay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/studyhelper/syncbox/internal/mutation"
	"github.com/studyhelper/syncbox/internal/queue"
)

// DefaultMaxRetries is the retry ceiling for transient dispatch failures.
//
// The ceiling is a small constant rather than exponential backoff because
// every reconnect event triggers a fresh drain anyway; unbounded local
// retry would duplicate that effort. A small ceiling converts
// stuck-forever failures (e.g. target deleted server-side) into a
// reported, user-visible failure instead of an invisible permanently
// stuck queue entry.
const DefaultMaxRetries = 3

// DefaultDispatchTimeout bounds each individual remote dispatch.
// Expiry is treated as a transient failure, not a conflict.
const DefaultDispatchTimeout = 10 * time.Second

// Verdict is the remote apply endpoint's decision for one mutation.
type Verdict struct {
	// Applied is true when the server accepted the client write.
	Applied bool

	// UpdatedAt is the new authoritative timestamp (when Applied).
	UpdatedAt time.Time

	// ServerUpdatedAt is the authoritative timestamp that won (on conflict).
	ServerUpdatedAt time.Time

	// Reason is the human-readable conflict reason (on conflict).
	Reason string
}

// Dispatcher is the remote collaborator boundary. Apply must distinguish
// the three outcome classes unambiguously: applied (Verdict.Applied),
// conflict (Verdict with Applied=false), and transient error (non-nil
// error). The engine's branching depends entirely on this distinction.
type Dispatcher interface {
	// Apply sends one mutation to the remote apply endpoint.
	Apply(ctx context.Context, rec mutation.Record) (Verdict, error)

	// Changes returns authoritative updates newer than since, plus the
	// new checkpoint boundary for the next incremental sync.
	Changes(ctx context.Context, since time.Time) ([]mutation.ServerChange, time.Time, error)
}

// Engine drains the local durable queue against the remote collaborator,
// applying the bounded-retry policy.
type Engine struct {
	queue      *queue.Queue
	dispatcher Dispatcher
	maxRetries int
	timeout    time.Duration
	log        *slog.Logger

	// drainMu serializes drain passes. A DrainNow call arriving while a
	// previous drain is still awaiting a network response blocks until
	// that pass completes; it never dispatches records concurrently.
	drainMu sync.Mutex

	// signal coalesces asynchronous triggers (buffered, size 1): any
	// number of reconnect events during an active drain collapse into
	// one follow-up pass.
	signal chan struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxRetries overrides the retry ceiling.
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) { e.maxRetries = n }
}

// WithDispatchTimeout overrides the per-dispatch timeout.
func WithDispatchTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// WithEngineLogger overrides the default logger.
func WithEngineLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// NewEngine creates an Engine over the given queue and dispatcher.
func NewEngine(q *queue.Queue, d Dispatcher, opts ...EngineOption) *Engine {
	e := &Engine{
		queue:      q,
		dispatcher: d,
		maxRetries: DefaultMaxRetries,
		timeout:    DefaultDispatchTimeout,
		log:        slog.Default(),
		signal:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trigger requests an asynchronous drain pass. Safe from any goroutine.
// Triggers arriving while a pass is active are coalesced into one
// follow-up pass by Run.
func (e *Engine) Trigger() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Run processes triggered drains until the context is cancelled.
// Must be called from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("replay engine starting")
	for {
		select {
		case <-ctx.Done():
			e.log.Info("replay engine stopping: context cancelled")
			return ctx.Err()
		case <-e.signal:
			report := e.DrainNow(ctx)
			e.log.Info("drain pass complete",
				"applied", report.Applied,
				"retried", report.Retried,
				"conflicts", len(report.Conflicts),
				"failed", len(report.Failed))
		}
	}
}

// DrainNow runs one full drain pass and returns its reconciliation report.
// Callable explicitly (a manual "sync now" action) in addition to
// reconnect-triggered drains; concurrent calls are serialized.
func (e *Engine) DrainNow(ctx context.Context) *mutation.Report {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	return e.drainPass(ctx)
}

// drainPass implements one pass over a FIFO snapshot of the queue.
//
// Caller must hold drainMu.
func (e *Engine) drainPass(ctx context.Context) *mutation.Report {
	report := mutation.NewReport()
	report.Checkpoint = e.queue.Checkpoint(ctx)

	records := e.queue.PeekAll(ctx)
	if len(records) == 0 {
		// No-op fast path: nothing pending, nothing to reconcile.
		return report
	}

	e.log.Debug("drain pass starting", "pending", len(records))

	for _, rec := range records {
		// Resumption point: a cancelled drain leaves the remaining
		// records queued; the queue itself is the resumption state.
		if ctx.Err() != nil {
			e.log.Warn("drain pass interrupted", "error", ctx.Err())
			break
		}

		// Records that exhausted their retry budget in a previous pass
		// are dropped without another dispatch attempt.
		if rec.RetryCount >= e.maxRetries {
			e.queue.Remove(ctx, rec.ID)
			report.Failed = append(report.Failed, mutation.Failure{
				ID:       rec.ID,
				Target:   rec.Target,
				Attempts: rec.RetryCount,
			})
			e.log.Warn("mutation dropped: retries exhausted",
				"id", rec.ID, "target", rec.Target, "attempts", rec.RetryCount)
			continue
		}

		verdict, err := e.dispatch(ctx, rec)
		switch {
		case err != nil:
			// Transient: increment and leave queued for the next pass.
			newCount := rec.RetryCount + 1
			e.queue.UpdateRetryCount(ctx, rec.ID, newCount)
			report.Retried++
			e.log.Debug("mutation dispatch failed transiently",
				"id", rec.ID, "target", rec.Target, "retry_count", newCount, "error", err)

		case verdict.Applied:
			e.queue.Remove(ctx, rec.ID)
			report.Applied++
			e.log.Debug("mutation applied",
				"id", rec.ID, "target", rec.Target, "updated_at", verdict.UpdatedAt)

		default:
			// Conflict: terminal regardless of retry count. Replaying the
			// same stale payload again would not change the verdict.
			e.queue.Remove(ctx, rec.ID)
			report.Conflicts = append(report.Conflicts, mutation.Conflict{
				Target:          rec.Target,
				ClientTimestamp: rec.BaseUpdatedAt,
				ServerTimestamp: verdict.ServerUpdatedAt,
				Resolution:      mutation.ResolutionServerWins,
				Reason:          verdict.Reason,
			})
			e.log.Info("mutation rejected: server has newer state",
				"id", rec.ID, "target", rec.Target,
				"client_ts", rec.BaseUpdatedAt, "server_ts", verdict.ServerUpdatedAt)
		}
	}

	e.pullServerChanges(ctx, report)
	return report
}

// dispatch sends one record with the per-dispatch timeout applied.
func (e *Engine) dispatch(ctx context.Context, rec mutation.Record) (Verdict, error) {
	dctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.dispatcher.Apply(dctx, rec)
}

// pullServerChanges fetches authoritative updates since the previous
// checkpoint and advances it. A feed failure does not invalidate the
// per-record tallies: the report is returned as-is with the old
// checkpoint, and the next drain re-pulls from the same boundary.
//
// The pull carries the same per-call timeout as dispatch. DrainNow holds
// drainMu for the whole pass, so an unbounded feed call would stall
// every future drain.
func (e *Engine) pullServerChanges(ctx context.Context, report *mutation.Report) {
	fctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	changes, checkpoint, err := e.dispatcher.Changes(fctx, report.Checkpoint)
	if err != nil {
		e.log.Warn("server change feed unavailable", "error", err)
		return
	}
	report.ServerChanges = changes
	report.Checkpoint = checkpoint
	e.queue.SetCheckpoint(ctx, checkpoint)
}
