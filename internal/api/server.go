// Package api serves the read-only stats surface and the dead-letter review
// endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/monitoring"
	"github.com/mkc909/sales-marketing-sub003/internal/store"
)

// DeadLetters is the review surface of the dead-letter sink.
type DeadLetters interface {
	ListUnresolved(ctx context.Context, limit int) ([]model.DeadLetterEntry, error)
	List(ctx context.Context, limit int) ([]model.DeadLetterEntry, error)
	Get(ctx context.Context, id string) (*model.DeadLetterEntry, error)
	Resolve(ctx context.Context, id, by, notes string) error
	Replay(ctx context.Context, id, by string) (string, error)
}

// RateLimits exposes rate-limit snapshots.
type RateLimits interface {
	Snapshot(ctx context.Context) ([]model.RateLimitConfig, error)
}

// TaskStates lists tracked task states.
type TaskStates interface {
	List(ctx context.Context, filter store.TaskStateFilter) ([]model.TaskState, error)
}

// Pinger reports store liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the server reads from. Gatherer defaults to the
// Prometheus default registry.
type Deps struct {
	Log         store.ProcessingLog
	DeadLetters DeadLetters
	RateLimits  RateLimits
	Tasks       TaskStates
	Collector   *monitoring.Collector
	Store       Pinger
	Gatherer    prometheus.Gatherer
}

// Server holds the handlers.
type Server struct {
	deps Deps
	now  func() time.Time
	log  *zap.Logger
}

// NewRouter builds the HTTP handler with CORS restricted to origins.
func NewRouter(deps Deps, origins []string) http.Handler {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
		log:  zap.L().With(zap.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/stats", func(r chi.Router) {
		r.Get("/activity", s.activity)
		r.Get("/ratelimits", s.rateLimits)
		r.Get("/summary", s.summary)
		r.Get("/tasks", s.tasks)
	})

	r.Route("/deadletters", func(r chi.Router) {
		r.Get("/", s.listDeadLetters)
		r.Get("/{id}", s.getDeadLetter)
		r.Post("/{id}/resolve", s.resolveDeadLetter)
		r.Post("/{id}/replay", s.replayDeadLetter)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) activity(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", 24, 1, 24*30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.now()
	entries, err := s.deps.Log.ListProcessing(r.Context(), now.Add(-time.Duration(hours)*time.Hour), 0)
	if err != nil {
		s.internalError(w, "list processing", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hours": hours,
		"keys":  model.AggregateActivity(entries, now),
	})
}

func (s *Server) rateLimits(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.deps.RateLimits.Snapshot(r.Context())
	if err != nil {
		s.internalError(w, "rate limit snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rate_limits": cfgs})
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", 24, 1, 24*30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.deps.Collector.Collect(r.Context(), hours)
	if err != nil {
		s.internalError(w, "collect summary", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) tasks(w http.ResponseWriter, r *http.Request) {
	var filter store.TaskStateFilter
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := model.ParseTaskStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	limit, err := intParam(r, "limit", 100, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	states, err := s.deps.Tasks.List(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list task states", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": states})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var entries []model.DeadLetterEntry
	if r.URL.Query().Get("all") == "true" {
		entries, err = s.deps.DeadLetters.List(r.Context(), limit)
	} else {
		entries, err = s.deps.DeadLetters.ListUnresolved(r.Context(), limit)
	}
	if err != nil {
		s.internalError(w, "list dead letters", err)
		return
	}
	if entries == nil {
		entries = []model.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.DeadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "get dead letter", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

func decodeResolve(w http.ResponseWriter, r *http.Request) (resolveRequest, bool) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, "resolved_by is required")
		return req, false
	}
	return req, true
}

func (s *Server) resolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeResolve(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.DeadLetters.Resolve(r.Context(), id, req.ResolvedBy, req.Notes); err != nil {
		s.storeError(w, "resolve dead letter", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
}

func (s *Server) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeResolve(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	deliveryID, err := s.deps.DeadLetters.Replay(r.Context(), id, req.ResolvedBy)
	if err != nil {
		s.storeError(w, "replay dead letter", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "replayed",
		"id":          id,
		"delivery_id": deliveryID,
	})
}

// storeError maps store sentinels to HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already resolved")
	default:
		s.internalError(w, op, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, &paramError{name: name, lo: lo, hi: hi}
	}
	return n, nil
}

type paramError struct {
	name   string
	lo, hi int
}

func (e *paramError) Error() string {
	return e.name + " must be an integer between " + strconv.Itoa(e.lo) + " and " + strconv.Itoa(e.hi)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
