// Package api is the HTTP trigger and query surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/batch"
	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
	"github.com/sells-group/catalog-cli/internal/scorer"
	"github.com/sells-group/catalog-cli/internal/store"
)

// Runner starts batch runs. *batch.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req batch.RunRequest) (*model.RunSummary, error)
}

// Recommender scores a record. *scorer.Recommender satisfies it.
type Recommender interface {
	Recommend(ctx context.Context, rec *model.CanonicalRecord) (*model.Recommendation, error)
}

// Store is the persistence the handlers read and write.
type Store interface {
	GetCanonicalRecord(ctx context.Context, id string) (*model.CanonicalRecord, error)
	VerifyLink(ctx context.Context, subjectID, externalID string) error
	Ping(ctx context.Context) error
}

// Deps wires the server.
type Deps struct {
	Store       Store
	Runner      Runner
	Recommender Recommender
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server routes HTTP requests. Background runs use the base context
// passed to New, so they outlive the request but stop on shutdown.
type Server struct {
	deps    Deps
	base    context.Context
	running atomic.Bool
	runs    sync.WaitGroup
	log     *zap.Logger
}

// New creates a Server.
func New(base context.Context, deps Deps) *Server {
	return &Server{
		deps: deps,
		base: base,
		log:  zap.L().With(zap.String("component", "api")),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Post("/runs", s.startRun)
	r.Get("/records/{id}/recommendation", s.recommendation)
	r.Put("/links/{subject}/{external}/verify", s.verifyLink)
	return r
}

// Wait blocks until a background run started by POST /runs finishes.
func (s *Server) Wait() {
	s.runs.Wait()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	Selector model.SelectorMode `json:"selector"`
	Scope    string             `json:"scope"`
	Limit    int                `json:"limit"`
	After    string             `json:"after"`
	// Wait runs the batch within the request and returns its summary.
	Wait bool `json:"wait"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if body.Selector == "" {
		body.Selector = model.SelectAllDue
	}
	if !body.Selector.Valid() {
		writeError(w, http.StatusBadRequest, "invalid selector "+string(body.Selector))
		return
	}
	if body.Limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be >= 0")
		return
	}
	req := batch.RunRequest{
		Selector: body.Selector,
		Scope:    body.Scope,
		MaxItems: body.Limit,
		After:    body.After,
	}

	if !s.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}

	if body.Wait {
		defer s.running.Store(false)
		summary, err := s.deps.Runner.Run(r.Context(), req)
		if err != nil && summary == nil {
			s.writeRunError(w, err)
			return
		}
		if err != nil {
			s.log.Error("run ended with error", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.running.Store(false)
		summary, err := s.deps.Runner.Run(s.base, req)
		if err != nil {
			s.log.Error("background run failed", zap.Error(err))
			return
		}
		s.log.Info("background run finished", zap.String("summary", batch.String(summary)))
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	if resilience.IsInput(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("run failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "run failed")
}

func (s *Server) recommendation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Store.GetCanonicalRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		s.log.Error("load record", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load record failed")
		return
	}
	out, err := s.deps.Recommender.Recommend(r.Context(), rec)
	if errors.Is(err, scorer.ErrNoScorableLink) {
		writeError(w, http.StatusNotFound, "no scorable link")
		return
	}
	if err != nil {
		s.log.Error("recommend", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "recommend failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) verifyLink(w http.ResponseWriter, r *http.Request) {
	subject, external := chi.URLParam(r, "subject"), chi.URLParam(r, "external")
	err := s.deps.Store.VerifyLink(r.Context(), subject, external)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "link not found")
		return
	}
	if err != nil {
		s.log.Error("verify link", zap.String("subject", subject), zap.String("external", external), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "verify failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
