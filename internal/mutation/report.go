package mutation

import (
	"bytes"
	"encoding/json"
	"time"
)

// Resolution describes how a conflict was settled.
type Resolution string

const (
	// ResolutionServerWins means the authoritative record was newer and
	// the client mutation was discarded.
	ResolutionServerWins Resolution = "server_wins"
)

// Conflict reports one mutation that was rejected by the server's
// conflict resolver. Conflicts are terminal: the record is removed from
// the queue and never re-dispatched.
type Conflict struct {
	Target          string     `json:"target"`
	ClientTimestamp time.Time  `json:"client_timestamp"`
	ServerTimestamp time.Time  `json:"server_timestamp"`
	Resolution      Resolution `json:"resolution"`
	Reason          string     `json:"reason"`
}

// Failure reports one mutation dropped after exhausting its retry budget.
// The underlying edit is lost from the sync perspective; the caller must
// surface this to the user (no silent data loss).
type Failure struct {
	ID       string `json:"id"`
	Target   string `json:"target"`
	Attempts int    `json:"attempts"`
}

// ServerChange is one authoritative update the client should pull down
// after a drain pass.
type ServerChange struct {
	Target    string          `json:"target"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Report aggregates the per-mutation outcomes of one replay pass.
// It is the only thing the sync subsystem surfaces to callers; transient
// and storage errors are handled internally.
type Report struct {
	// Applied counts mutations the server accepted.
	Applied int `json:"applied"`

	// Retried counts mutations left queued for the next pass after a
	// transient failure below the retry ceiling.
	Retried int `json:"retried"`

	// Conflicts lists mutations rejected in favor of newer server state.
	Conflicts []Conflict `json:"conflicts"`

	// Failed lists mutations dropped after exhausting retries.
	Failed []Failure `json:"failed"`

	// ServerChanges lists authoritative updates newer than the previous
	// checkpoint.
	ServerChanges []ServerChange `json:"server_changes"`

	// Checkpoint marks the boundary for the next incremental sync.
	Checkpoint time.Time `json:"checkpoint"`
}

// NewReport creates an empty report with initialized slices, so JSON
// output is stable ([] rather than null) for golden comparison.
func NewReport() *Report {
	return &Report{
		Conflicts:     []Conflict{},
		Failed:        []Failure{},
		ServerChanges: []ServerChange{},
	}
}

// Canonical renders the report as indented JSON with a trailing newline
// and no HTML escaping. Byte-for-byte stable for the same report, so
// callers can diff it, log it, or pin it in golden files.
func (r *Report) Canonical() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
