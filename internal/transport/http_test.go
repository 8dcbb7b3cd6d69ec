package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhelper/syncbox/internal/mutation"
	"github.com/studyhelper/syncbox/internal/replay"
)

var (
	clientTS = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	serverTS = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
)

func testRecord() mutation.Record {
	return mutation.Record{
		ID:            "mut-1",
		Method:        mutation.MethodUpdate,
		Target:        "notes/1",
		Payload:       json.RawMessage(`{"title":"A"}`),
		BaseUpdatedAt: clientTS,
	}
}

func TestClient_Apply_Accepted(t *testing.T) {
	var got ApplyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/apply", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ApplyResponse{Applied: true, UpdatedAt: serverTS})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	verdict, err := c.Apply(context.Background(), testRecord())

	require.NoError(t, err)
	assert.True(t, verdict.Applied)
	assert.True(t, serverTS.Equal(verdict.UpdatedAt))

	assert.Equal(t, "mut-1", got.ID)
	assert.Equal(t, mutation.MethodUpdate, got.Method)
	assert.Equal(t, "notes/1", got.Target)
	assert.JSONEq(t, `{"title":"A"}`, string(got.Payload))
	assert.True(t, clientTS.Equal(got.BaseUpdatedAt))
}

func TestClient_Apply_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(ApplyResponse{
			Applied: false,
			Conflict: &ConflictPayload{
				ServerUpdatedAt: serverTS,
				Reason:          "record was changed on the server more recently",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	verdict, err := c.Apply(context.Background(), testRecord())

	require.NoError(t, err, "a conflict is a verdict, not an error")
	assert.False(t, verdict.Applied)
	assert.True(t, serverTS.Equal(verdict.ServerUpdatedAt))
	assert.Equal(t, "record was changed on the server more recently", verdict.Reason)
}

func TestClient_Apply_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Apply(context.Background(), testRecord())

	var de *replay.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, replay.ErrCodeServer, de.Code)
	assert.Equal(t, "notes/1", de.Target)
}

func TestClient_Apply_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL)
	_, err := c.Apply(context.Background(), testRecord())

	var de *replay.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, replay.ErrCodeNetwork, de.Code)
}

func TestClient_Apply_DeadlineIsTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL)
	_, err := c.Apply(ctx, testRecord())

	var de *replay.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, replay.ErrCodeTimeout, de.Code)
	assert.True(t, replay.IsTimeout(err))
}

func TestClient_Apply_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Apply(context.Background(), testRecord())

	var de *replay.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, replay.ErrCodeServer, de.Code)
}

func TestClient_Changes(t *testing.T) {
	var gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/changes", r.URL.Path)
		gotSince = r.URL.Query().Get("since")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChangesResponse{
			Changes: []mutation.ServerChange{
				{Target: "notes/2", Payload: []byte(`{"title":"B"}`), UpdatedAt: serverTS},
				{Target: "tasks/3", UpdatedAt: serverTS, Deleted: true},
			},
			Checkpoint: serverTS,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	changes, checkpoint, err := c.Changes(context.Background(), clientTS)

	require.NoError(t, err)
	assert.Equal(t, clientTS.Format(time.RFC3339Nano), gotSince)
	require.Len(t, changes, 2)
	assert.Equal(t, "notes/2", changes[0].Target)
	assert.True(t, changes[1].Deleted)
	assert.True(t, serverTS.Equal(checkpoint))
}

func TestClient_Changes_ZeroSinceOmitsParam(t *testing.T) {
	var hasSince bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasSince = r.URL.Query().Has("since")
		json.NewEncoder(w).Encode(ChangesResponse{Checkpoint: serverTS})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	changes, _, err := c.Changes(context.Background(), time.Time{})

	require.NoError(t, err)
	assert.False(t, hasSince, "first sync pulls everything, no since param")
	assert.NotNil(t, changes, "empty feed decodes to an empty slice, not nil")
}

func TestClient_Changes_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, _, err := c.Changes(context.Background(), clientTS)

	var de *replay.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, replay.ErrCodeServer, de.Code)
}

func TestClient_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	c := NewClient(srv.URL)
	assert.True(t, c.Healthy(context.Background()))

	srv.Close()
	assert.False(t, c.Healthy(context.Background()), "unreachable server is unhealthy")
}
