package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/studyhelper/syncbox/internal/mutation"
)

// ConflictReason is the human-readable explanation attached to every
// last-write-wins rejection.
const ConflictReason = "record was changed on the server more recently"

// Decision is the resolver's verdict for one client mutation.
type Decision struct {
	// Applied is true when the client write was accepted.
	Applied bool

	// UpdatedAt is the new authoritative timestamp (when applied).
	UpdatedAt time.Time

	// ServerUpdatedAt is the authoritative timestamp that won (on conflict).
	ServerUpdatedAt time.Time

	// Reason explains the rejection (on conflict).
	Reason string
}

// Resolver arbitrates client mutations against the authoritative store
// using last-write-wins on the server's clock.
//
// The client carries the timestamp of its last known state of the
// resource, captured at edit time before going offline. If the
// authoritative record has moved strictly past that timestamp, the
// server's state wins and the mutation is rejected; otherwise the client
// write is the newest information available and is applied, stamping
// updated_at with the server's now. The server is the single source of
// truth for "who wins", so client clocks need not be trusted.
type Resolver struct {
	store *Store
	now   func() time.Time
	log   *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverNow overrides the server clock (for tests).
func WithResolverNow(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithResolverLogger overrides the default logger.
func WithResolverLogger(log *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

// NewResolver creates a Resolver over the authoritative store.
func NewResolver(store *Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store: store,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve decides whether to accept the client mutation and, when
// accepted, applies it to the store.
//
// A mutation id that was already applied is acknowledged with its
// recorded timestamp and not re-applied: a replay whose response was lost
// on the wire stays idempotent.
func (r *Resolver) Resolve(ctx context.Context, id string, method mutation.Method, target string, payload json.RawMessage, baseUpdatedAt time.Time) (Decision, error) {
	if appliedAt, done, err := r.store.wasApplied(ctx, id); err != nil {
		return Decision{}, err
	} else if done {
		r.log.Debug("duplicate mutation acknowledged", "id", id, "target", target)
		return Decision{Applied: true, UpdatedAt: appliedAt}, nil
	}

	current, found, err := r.store.get(ctx, target)
	if err != nil {
		return Decision{}, err
	}

	// Strictly newer authoritative state wins. Equal timestamps mean the
	// client's base is current, so the client write goes through.
	if found && current.UpdatedAt.After(baseUpdatedAt) {
		r.log.Info("mutation rejected by resolver",
			"id", id, "target", target,
			"client_ts", baseUpdatedAt, "server_ts", current.UpdatedAt)
		return Decision{
			Applied:         false,
			ServerUpdatedAt: current.UpdatedAt,
			Reason:          ConflictReason,
		}, nil
	}

	now := r.now().UTC()
	res := resource{
		Target:    target,
		UpdatedAt: now,
	}
	switch method {
	case mutation.MethodCreate, mutation.MethodUpdate:
		res.Payload = payload
	case mutation.MethodDelete:
		res.Deleted = true
	default:
		return Decision{}, fmt.Errorf("resolve %s: unknown method %q", target, method)
	}

	if err := r.store.applyWrite(ctx, id, res); err != nil {
		return Decision{}, err
	}

	r.log.Debug("mutation applied", "id", id, "method", method, "target", target, "updated_at", now)
	return Decision{Applied: true, UpdatedAt: now}, nil
}
