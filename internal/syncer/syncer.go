// Package syncer wires the offline sync subsystem together: durable
// queue, replay engine, connectivity monitor, and transport. The queue
// instance is owned here and handed to collaborators by explicit
// construction - no ambient global state.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/studyhelper/syncbox/internal/config"
	"github.com/studyhelper/syncbox/internal/connectivity"
	"github.com/studyhelper/syncbox/internal/mutation"
	"github.com/studyhelper/syncbox/internal/queue"
	"github.com/studyhelper/syncbox/internal/replay"
	"github.com/studyhelper/syncbox/internal/schema"
	"github.com/studyhelper/syncbox/internal/transport"
)

// Client is the caller-facing surface of the sync subsystem.
type Client struct {
	queue   *queue.Queue
	engine  *replay.Engine
	monitor *connectivity.Monitor
	remote  *transport.Client
	log     *slog.Logger
	close   func() error
}

// ApplyResult reports the outcome of an optimistic write attempt.
type ApplyResult struct {
	// Queued is true when the remote was unreachable and the write was
	// converted into a pending mutation record. From the user's
	// perspective the write succeeded; it will replay on reconnect.
	Queued bool

	// ID is the queued mutation record id (when Queued).
	ID string

	// Verdict is the remote verdict (when not Queued).
	Verdict replay.Verdict
}

// Open builds a Client from configuration: SQLite-backed queue, CUE
// payload validator, HTTP transport, replay engine, and connectivity
// monitor. Call Close when done.
func Open(cfg config.Client, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	store, err := queue.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	validator, err := schema.NewValidator()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("compile payload schemas: %w", err)
	}

	q := queue.New(store, mutation.UUIDv7Generator{},
		queue.WithValidator(validator),
		queue.WithLogger(log),
	)

	remote := transport.NewClient(cfg.ServerURL)
	engine := replay.NewEngine(q, remote,
		replay.WithMaxRetries(cfg.MaxRetries),
		replay.WithDispatchTimeout(cfg.DispatchTimeout),
		replay.WithEngineLogger(log),
	)
	monitor := connectivity.NewMonitor(remote, engine,
		connectivity.WithProbeInterval(cfg.ProbeInterval),
		connectivity.WithMonitorLogger(log),
	)

	return &Client{
		queue:   q,
		engine:  engine,
		monitor: monitor,
		remote:  remote,
		log:     log,
		close:   store.Close,
	}, nil
}

// New assembles a Client from pre-built components (for tests and for
// hosts that manage their own wiring).
func New(q *queue.Queue, engine *replay.Engine, monitor *connectivity.Monitor, remote *transport.Client, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{queue: q, engine: engine, monitor: monitor, remote: remote, log: log, close: func() error { return nil }}
}

// Close releases the queue's storage.
func (c *Client) Close() error {
	return c.close()
}

// Run starts the replay worker and the connectivity monitor and blocks
// until the context is cancelled.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- c.engine.Run(ctx) }()
	go func() { errc <- c.monitor.Run(ctx) }()

	err := <-errc
	cancel()
	<-errc
	return err
}

// Apply attempts the write against the remote first and falls back to
// enqueueing on transient failure. A conflict on the direct attempt is
// returned in the verdict, not queued: replaying the same stale payload
// would not change the resolver's mind.
//
// The fallback enqueues the record that was dispatched, id included. If
// the server applied the direct attempt but the response was lost, the
// replay hits the server's dedupe and is re-acknowledged instead of
// surfacing as a false conflict.
func (c *Client) Apply(ctx context.Context, method mutation.Method, target string, payload json.RawMessage, baseUpdatedAt time.Time) (ApplyResult, error) {
	rec, err := c.queue.NewRecord(method, target, payload, baseUpdatedAt)
	if err != nil {
		return ApplyResult{}, err
	}

	verdict, err := c.remote.Apply(ctx, rec)
	if err == nil {
		return ApplyResult{Verdict: verdict}, nil
	}

	c.log.Info("remote unreachable, queueing write", "method", method, "target", target, "error", err)
	id, err := c.queue.EnqueueRecord(ctx, rec)
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Queued: true, ID: id}, nil
}

// Enqueue records an intended write without attempting the remote.
// Called by write-path code that has already observed a connectivity
// failure.
func (c *Client) Enqueue(ctx context.Context, method mutation.Method, target string, payload json.RawMessage, baseUpdatedAt time.Time) (string, error) {
	return c.queue.Enqueue(ctx, method, target, payload, baseUpdatedAt)
}

// DrainNow runs one drain pass explicitly (a manual "sync now" action).
func (c *Client) DrainNow(ctx context.Context) *mutation.Report {
	return c.engine.DrainNow(ctx)
}

// PendingCount returns the number of queued mutations, for UI badges.
func (c *Client) PendingCount(ctx context.Context) int {
	return c.queue.Size(ctx)
}

// SetOnline injects a reachability transition (platform signal bridge).
func (c *Client) SetOnline(online bool) {
	c.monitor.SetOnline(online)
}
