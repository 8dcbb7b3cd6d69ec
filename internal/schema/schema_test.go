package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhelper/syncbox/internal/mutation"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func TestValidator_Create(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		target  string
		payload string
		wantErr string
	}{
		{
			name:    "valid note",
			target:  "notes/1",
			payload: `{"title":"Lecture 3","content":"derivatives","tags":"math"}`,
		},
		{
			name:    "note missing title",
			target:  "notes/1",
			payload: `{"content":"derivatives"}`,
			wantErr: "notes schema",
		},
		{
			name:    "note empty title",
			target:  "notes/1",
			payload: `{"title":"","content":"x"}`,
			wantErr: "notes schema",
		},
		{
			name:    "note unknown field",
			target:  "notes/1",
			payload: `{"title":"A","content":"x","author":"me"}`,
			wantErr: "notes schema",
		},
		{
			name:    "valid task",
			target:  "tasks/9",
			payload: `{"title":"problem set 2","priority":"high","status":"pending"}`,
		},
		{
			name:    "task bad priority",
			target:  "tasks/9",
			payload: `{"title":"problem set 2","priority":"urgent"}`,
			wantErr: "tasks schema",
		},
		{
			name:    "valid course",
			target:  "courses/3",
			payload: `{"name":"Calculus I","color":"#3B82F6"}`,
		},
		{
			name:    "course bad color",
			target:  "courses/3",
			payload: `{"name":"Calculus I","color":"blue"}`,
			wantErr: "courses schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.target, mutation.MethodCreate, []byte(tt.payload))
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidator_UpdateUsesPatchSchema(t *testing.T) {
	v := newValidator(t)

	// A partial update omitting required create fields is fine.
	err := v.Validate("notes/1", mutation.MethodUpdate, []byte(`{"content":"new body"}`))
	assert.NoError(t, err)

	err = v.Validate("tasks/9", mutation.MethodUpdate, []byte(`{"status":"completed","completed_at":"2026-08-01T10:00:00Z"}`))
	assert.NoError(t, err)

	// Patch schemas are still closed and still enforce constraints.
	err = v.Validate("notes/1", mutation.MethodUpdate, []byte(`{"body":"wrong field name"}`))
	assert.Error(t, err)

	err = v.Validate("tasks/9", mutation.MethodUpdate, []byte(`{"status":"done"}`))
	assert.Error(t, err)
}

func TestValidator_DeleteAlwaysPasses(t *testing.T) {
	v := newValidator(t)

	assert.NoError(t, v.Validate("notes/1", mutation.MethodDelete, nil))
}

func TestValidator_UnknownKindPasses(t *testing.T) {
	v := newValidator(t)

	// The queue carries targets opaquely; kinds without a schema are not
	// gated here.
	err := v.Validate("bookmarks/7", mutation.MethodCreate, []byte(`{"anything":"goes"}`))
	assert.NoError(t, err)
}

func TestValidator_MalformedJSON(t *testing.T) {
	v := newValidator(t)

	err := v.Validate("notes/1", mutation.MethodCreate, []byte(`{"title":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}
