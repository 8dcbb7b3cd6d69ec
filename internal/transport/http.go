// Package transport implements the HTTP client side of the sync protocol:
// the remote apply endpoint and the incremental change feed.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/studyhelper/syncbox/internal/mutation"
	"github.com/studyhelper/syncbox/internal/replay"
)

// ApplyRequest is the wire format of one mutation sent to POST /v1/apply.
type ApplyRequest struct {
	ID            string          `json:"id"`
	Method        mutation.Method `json:"method"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	BaseUpdatedAt time.Time       `json:"base_updated_at"`
}

// ApplyResponse is the wire format of the apply endpoint's verdict.
// Exactly one of the applied/conflict shapes is populated:
//   - 200: {"applied": true, "updated_at": ...}
//   - 409: {"applied": false, "conflict": {"server_updated_at": ..., "reason": ...}}
type ApplyResponse struct {
	Applied   bool             `json:"applied"`
	UpdatedAt time.Time        `json:"updated_at,omitempty"`
	Conflict  *ConflictPayload `json:"conflict,omitempty"`
}

// ConflictPayload carries the resolver's rejection details.
type ConflictPayload struct {
	ServerUpdatedAt time.Time `json:"server_updated_at"`
	Reason          string    `json:"reason"`
}

// ChangesResponse is the wire format of GET /v1/changes.
type ChangesResponse struct {
	Changes    []mutation.ServerChange `json:"changes"`
	Checkpoint time.Time               `json:"checkpoint"`
}

// Client dispatches mutations to a remote syncbox server over HTTP.
// It implements replay.Dispatcher.
type Client struct {
	base string
	http *http.Client
}

var _ replay.Dispatcher = (*Client)(nil)

// NewClient creates a Client for the given base URL (e.g.
// "http://localhost:8484"). The per-dispatch timeout is carried by the
// request context, not the http.Client, so the replay engine stays in
// control of deadlines.
func NewClient(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{},
	}
}

// Apply sends one mutation to POST /v1/apply and classifies the outcome
// into the three classes the replay engine branches on: applied, conflict,
// or transient error.
func (c *Client) Apply(ctx context.Context, rec mutation.Record) (replay.Verdict, error) {
	body, err := json.Marshal(ApplyRequest{
		ID:            rec.ID,
		Method:        rec.Method,
		Target:        rec.Target,
		Payload:       rec.Payload,
		BaseUpdatedAt: rec.BaseUpdatedAt,
	})
	if err != nil {
		// Marshal of a validated record cannot realistically fail; treat
		// as transient so the queue is not corrupted either way.
		return replay.Verdict{}, replay.NewDispatchError(replay.ErrCodeNetwork, rec.Target, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/apply", bytes.NewReader(body))
	if err != nil {
		return replay.Verdict{}, replay.NewDispatchError(replay.ErrCodeNetwork, rec.Target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return replay.Verdict{}, classifyTransportError(rec.Target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var ar ApplyResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return replay.Verdict{}, replay.NewDispatchError(replay.ErrCodeServer, rec.Target,
				fmt.Errorf("malformed apply response: %w", err))
		}
		return replay.Verdict{Applied: true, UpdatedAt: ar.UpdatedAt}, nil

	case resp.StatusCode == http.StatusConflict:
		var ar ApplyResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil || ar.Conflict == nil {
			return replay.Verdict{}, replay.NewDispatchError(replay.ErrCodeServer, rec.Target,
				fmt.Errorf("malformed conflict response: %w", err))
		}
		return replay.Verdict{
			Applied:         false,
			ServerUpdatedAt: ar.Conflict.ServerUpdatedAt,
			Reason:          ar.Conflict.Reason,
		}, nil

	default:
		// 5xx and anything else unexpected: transient. The bounded retry
		// policy turns a persistently misbehaving server into a reported
		// permanent failure rather than an infinite loop.
		return replay.Verdict{}, replay.NewDispatchError(replay.ErrCodeServer, rec.Target,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// Changes fetches authoritative updates newer than since from
// GET /v1/changes.
func (c *Client) Changes(ctx context.Context, since time.Time) ([]mutation.ServerChange, time.Time, error) {
	u := c.base + "/v1/changes"
	if !since.IsZero() {
		u += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, time.Time{}, replay.NewDispatchError(replay.ErrCodeNetwork, "", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, time.Time{}, classifyTransportError("", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, replay.NewDispatchError(replay.ErrCodeServer, "",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var cr ChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, time.Time{}, replay.NewDispatchError(replay.ErrCodeServer, "",
			fmt.Errorf("malformed changes response: %w", err))
	}
	if cr.Changes == nil {
		cr.Changes = []mutation.ServerChange{}
	}
	return cr.Changes, cr.Checkpoint, nil
}

// Healthy probes GET /healthz and reports whether the server answered.
// Used by the connectivity monitor.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// classifyTransportError maps a round-trip failure to the dispatch error
// taxonomy: deadline expiry is TIMEOUT, everything else NETWORK.
func classifyTransportError(target string, err error) *replay.DispatchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return replay.NewDispatchError(replay.ErrCodeTimeout, target, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return replay.NewDispatchError(replay.ErrCodeTimeout, target, err)
	}
	return replay.NewDispatchError(replay.ErrCodeNetwork, target, err)
}
