// Package mutation defines the mutation record and reconciliation report
// types shared by the queue, replay engine, and transport layers.
package mutation

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Method is the intended write verb of a mutation.
type Method string

const (
	// MethodCreate creates a new resource at the target.
	MethodCreate Method = "CREATE"
	// MethodUpdate overwrites fields of an existing resource.
	MethodUpdate Method = "UPDATE"
	// MethodDelete removes the resource at the target.
	MethodDelete Method = "DELETE"
)

// ParseMethod converts a string to a Method, rejecting unknown verbs.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodCreate, MethodUpdate, MethodDelete:
		return Method(s), nil
	default:
		return "", fmt.Errorf("unknown mutation method %q", s)
	}
}

// Record is an immutable description of one pending offline write.
//
// Records are created by the write-attempt path when a remote call fails
// with a connectivity error, persisted immediately, and mutated only by
// the replay engine (RetryCount increment) until a terminal outcome
// removes them from the queue.
type Record struct {
	// ID is a UUIDv7: time-ordered with a random suffix, so rapid
	// successive enqueues never collide.
	ID string `json:"id"`

	// Method is the write verb.
	Method Method `json:"method"`

	// Target is the resource path the mutation applies to. The queue
	// core never parses it; it is NFC-normalized at construction so
	// equal-looking paths compare equal.
	Target string `json:"target"`

	// Payload holds the new/changed field values. Nil for DELETE.
	Payload json.RawMessage `json:"payload,omitempty"`

	// BaseUpdatedAt is the client's last-known authoritative timestamp
	// of the resource, captured at edit time. This is the conflict key
	// the server compares against; EnqueuedAt is never used for that.
	BaseUpdatedAt time.Time `json:"base_updated_at"`

	// RetryCount is incremented on each failed replay attempt.
	// Monotonically non-decreasing until removal.
	RetryCount int `json:"retry_count"`

	// EnqueuedAt is the original creation time, used only for FIFO
	// diagnostics.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// IDGenerator generates unique mutation record IDs.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// NewRecord validates and constructs a Record.
//
// CREATE and UPDATE require a payload; DELETE forbids one. Malformed
// mutations are rejected here, at enqueue time, rather than surfacing
// later as dispatch failures during a drain pass.
func NewRecord(id string, method Method, target string, payload json.RawMessage, baseUpdatedAt, enqueuedAt time.Time) (Record, error) {
	if target == "" {
		return Record{}, fmt.Errorf("mutation target must not be empty")
	}
	switch method {
	case MethodCreate, MethodUpdate:
		if len(payload) == 0 {
			return Record{}, fmt.Errorf("%s %s: payload required", method, target)
		}
		if !json.Valid(payload) {
			return Record{}, fmt.Errorf("%s %s: payload is not valid JSON", method, target)
		}
	case MethodDelete:
		if len(payload) != 0 {
			return Record{}, fmt.Errorf("DELETE %s: payload must be absent", target)
		}
	default:
		return Record{}, fmt.Errorf("unknown mutation method %q", method)
	}

	return Record{
		ID:            id,
		Method:        method,
		Target:        norm.NFC.String(target),
		Payload:       payload,
		BaseUpdatedAt: baseUpdatedAt.UTC(),
		EnqueuedAt:    enqueuedAt.UTC(),
	}, nil
}
