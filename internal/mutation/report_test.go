package mutation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReport_EmptySlicesNotNull(t *testing.T) {
	data, err := NewReport().Canonical()
	require.NoError(t, err)

	want := `{
  "applied": 0,
  "retried": 0,
  "conflicts": [],
  "failed": [],
  "server_changes": [],
  "checkpoint": "0001-01-01T00:00:00Z"
}
`
	assert.Equal(t, want, string(data))
}

func TestReport_CanonicalDoesNotEscapeHTML(t *testing.T) {
	r := NewReport()
	r.Conflicts = append(r.Conflicts, Conflict{
		Target: "notes/1",
		Reason: "a<b & c>d",
	})

	data, err := r.Canonical()
	require.NoError(t, err)
	assert.Contains(t, string(data), "a<b & c>d")
}
