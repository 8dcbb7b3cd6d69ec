package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/studyhelper/syncbox/internal/mutation"
)

// Storage is the persistence layer under the queue. Implemented by Store
// (SQLite) in production and by failing fakes in degraded-mode tests.
type Storage interface {
	Append(ctx context.Context, rec mutation.Record) error
	List(ctx context.Context) ([]mutation.Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	SetRetryCount(ctx context.Context, id string, count int) (bool, error)
	Count(ctx context.Context) (int, error)
	Checkpoint(ctx context.Context) (time.Time, error)
	SetCheckpoint(ctx context.Context, t time.Time) error
}

// PayloadValidator checks a mutation payload against the schema for its
// target's resource kind. Implemented by schema.Validator.
type PayloadValidator interface {
	Validate(target string, method mutation.Method, payload json.RawMessage) error
}

// Queue is the local durable queue of pending mutations.
//
// Queue owns the degraded-mode policy: storage errors on reads degrade to
// an empty queue, storage errors on writes are logged and dropped. The
// host application must never crash or block because the sync subsystem
// is unhealthy.
//
// The queue is exclusively owned by the client runtime. Only the replay
// engine mutates records (retry counts, removal); only the write-attempt
// path appends.
type Queue struct {
	storage   Storage
	ids       mutation.IDGenerator
	validator PayloadValidator // optional
	now       func() time.Time
	log       *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithValidator installs a payload validator consulted at enqueue time.
func WithValidator(v PayloadValidator) Option {
	return func(q *Queue) { q.validator = v }
}

// WithNow overrides the wall clock (for tests).
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// New creates a Queue over the given storage and id generator.
func New(storage Storage, ids mutation.IDGenerator, opts ...Option) *Queue {
	q := &Queue{
		storage: storage,
		ids:     ids,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates, constructs, and persists a mutation record, returning
// its generated id.
//
// Invalid input (unknown method, missing payload, schema violation) is an
// error: it is a caller bug and must be caught at enqueue time, not at
// dispatch time during a later drain. Storage failures are NOT errors:
// they are logged and the record is dropped, per the degraded-mode policy.
func (q *Queue) Enqueue(ctx context.Context, method mutation.Method, target string, payload json.RawMessage, baseUpdatedAt time.Time) (string, error) {
	rec, err := q.NewRecord(method, target, payload, baseUpdatedAt)
	if err != nil {
		return "", err
	}
	return q.EnqueueRecord(ctx, rec)
}

// NewRecord constructs a validated record with a queue-generated id,
// without persisting it. The write-attempt path dispatches the record
// directly and, on transient failure, hands the same record to
// EnqueueRecord: the replay then carries the id the server may have
// already applied, so its dedupe covers lost responses.
func (q *Queue) NewRecord(method mutation.Method, target string, payload json.RawMessage, baseUpdatedAt time.Time) (mutation.Record, error) {
	rec, err := mutation.NewRecord(q.ids.Generate(), method, target, payload, baseUpdatedAt, q.now())
	if err != nil {
		return mutation.Record{}, fmt.Errorf("enqueue: %w", err)
	}
	return rec, nil
}

// EnqueueRecord persists an already-constructed record under its own id.
// Schema violations are errors; storage failures are logged and dropped,
// per the degraded-mode policy.
func (q *Queue) EnqueueRecord(ctx context.Context, rec mutation.Record) (string, error) {
	if q.validator != nil {
		if err := q.validator.Validate(rec.Target, rec.Method, rec.Payload); err != nil {
			return "", fmt.Errorf("enqueue %s %s: %w", rec.Method, rec.Target, err)
		}
	}

	if err := q.storage.Append(ctx, rec); err != nil {
		q.log.Error("queue storage append failed, dropping mutation",
			"id", rec.ID, "method", rec.Method, "target", rec.Target, "error", err)
		return rec.ID, nil
	}

	q.log.Debug("mutation enqueued", "id", rec.ID, "method", rec.Method, "target", rec.Target)
	return rec.ID, nil
}

// PeekAll returns a stable FIFO snapshot of the pending records.
// Storage read errors degrade to an empty snapshot.
func (q *Queue) PeekAll(ctx context.Context) []mutation.Record {
	records, err := q.storage.List(ctx)
	if err != nil {
		q.log.Error("queue storage read failed, treating queue as empty", "error", err)
		return []mutation.Record{}
	}
	return records
}

// Remove deletes the record with the given id. Idempotent: removing an
// absent id is a no-op. Storage errors are logged and absorbed.
func (q *Queue) Remove(ctx context.Context, id string) {
	removed, err := q.storage.Delete(ctx, id)
	if err != nil {
		q.log.Error("queue storage delete failed", "id", id, "error", err)
		return
	}
	if !removed {
		q.log.Debug("remove of absent mutation ignored", "id", id)
	}
}

// UpdateRetryCount overwrites the retry count for the given record.
// Fails silently (logs only) if the id is absent - the record may have
// been concurrently removed by a prior successful replay.
func (q *Queue) UpdateRetryCount(ctx context.Context, id string, count int) {
	updated, err := q.storage.SetRetryCount(ctx, id, count)
	if err != nil {
		q.log.Error("queue storage retry-count update failed", "id", id, "error", err)
		return
	}
	if !updated {
		q.log.Warn("retry-count update for absent mutation ignored", "id", id)
	}
}

// Size returns the count of pending records, for UI badges.
// Storage errors degrade to zero.
func (q *Queue) Size(ctx context.Context) int {
	n, err := q.storage.Count(ctx)
	if err != nil {
		q.log.Error("queue storage count failed", "error", err)
		return 0
	}
	return n
}

// Checkpoint returns the persisted sync checkpoint (zero time if none, or
// if storage is unhealthy).
func (q *Queue) Checkpoint(ctx context.Context) time.Time {
	t, err := q.storage.Checkpoint(ctx)
	if err != nil {
		q.log.Error("queue storage checkpoint read failed", "error", err)
		return time.Time{}
	}
	return t
}

// SetCheckpoint persists the sync checkpoint. Storage errors are logged
// and absorbed; the next drain simply re-pulls from the older boundary.
func (q *Queue) SetCheckpoint(ctx context.Context, t time.Time) {
	if err := q.storage.SetCheckpoint(ctx, t); err != nil {
		q.log.Error("queue storage checkpoint write failed", "error", err)
	}
}
