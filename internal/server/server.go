package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/studyhelper/syncbox/internal/mutation"
	"github.com/studyhelper/syncbox/internal/transport"
)

// Server exposes the sync collaborator API over HTTP:
//
//	POST /v1/apply    apply one mutation (200 applied, 409 conflict)
//	GET  /v1/changes  authoritative updates since a checkpoint
//	GET  /healthz     reachability probe
type Server struct {
	store    *Store
	resolver *Resolver
	now      func() time.Time
	log      *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithNow overrides the server clock (for tests).
func WithNow(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// New creates a Server over the authoritative store.
func New(store *Store, opts ...ServerOption) *Server {
	s := &Server{
		store: store,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resolver = NewResolver(store, WithResolverNow(s.now), WithResolverLogger(s.log))
	return s
}

// Handler returns the chi router for the collaborator API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Post("/v1/apply", s.handleApply)
	r.Get("/v1/changes", s.handleChanges)

	return r
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req transport.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed apply request", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Target == "" {
		http.Error(w, "apply request requires id and target", http.StatusBadRequest)
		return
	}
	if _, err := mutation.ParseMethod(string(req.Method)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	decision, err := s.resolver.Resolve(r.Context(), req.ID, req.Method, req.Target, req.Payload, req.BaseUpdatedAt)
	if err != nil {
		s.log.Error("apply failed", "id", req.ID, "target", req.Target, "error", err)
		http.Error(w, "apply failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if decision.Applied {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(transport.ApplyResponse{
			Applied:   true,
			UpdatedAt: decision.UpdatedAt,
		})
		return
	}

	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(transport.ApplyResponse{
		Applied: false,
		Conflict: &transport.ConflictPayload{
			ServerUpdatedAt: decision.ServerUpdatedAt,
			Reason:          decision.Reason,
		},
	})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "malformed since timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}

	changes, err := s.store.changesSince(r.Context(), since)
	if err != nil {
		s.log.Error("change feed failed", "error", err)
		http.Error(w, "change feed failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(transport.ChangesResponse{
		Changes:    changes,
		Checkpoint: s.now().UTC(),
	})
}
