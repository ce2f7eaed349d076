// Package api exposes the pipeline over HTTP: planning and running imports,
// driving enrichment jobs, and read-only status/cache endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/arcfin/ledgersync/internal/enrich"
	"github.com/arcfin/ledgersync/internal/importer"
	"github.com/arcfin/ledgersync/internal/jobs"
	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/internal/store"
)

// ImportService plans and executes import jobs.
type ImportService interface {
	Plan(ctx context.Context, req importer.PlanRequest) (*model.ImportJob, error)
	Run(ctx context.Context, jobID string) (*model.ImportJob, error)
}

// EnrichService drives enrichment jobs. Retry is expressed through Run with
// an explicit job id so the handler can return the id before the run ends.
type EnrichService interface {
	Run(ctx context.Context, req enrich.RunRequest) (*model.EnrichmentJob, error)
	Cancel(ctx context.Context, jobID string) error
}

// Store is the read-only persistence slice the handlers need.
type Store interface {
	importer.ProgressStore
	ListImportJobs(ctx context.Context, f store.JobFilter) ([]model.ImportJob, error)
	GetEnrichmentJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	ListTransactions(ctx context.Context, f store.TransactionFilter) ([]model.Transaction, error)
	CacheStats(ctx context.Context) (model.CacheStats, error)
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	store   Store
	imports ImportService
	enrich  EnrichService
	runner  *jobs.Runner
	origins []string
	// base is the context background jobs run under, so an import keeps
	// going after the request that started it returns.
	base context.Context
}

// NewServer creates a Server. base bounds the lifetime of background jobs;
// pass the process signal context. An empty origins list allows every
// origin.
func NewServer(base context.Context, st Store, imports ImportService, enrichSvc EnrichService, runner *jobs.Runner, origins []string) *Server {
	if base == nil {
		base = context.Background()
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{store: st, imports: imports, enrich: enrichSvc, runner: runner, origins: origins, base: base}
}

// Router builds the chi router with cors and request logging.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/cache/stats", s.handleCacheStats)

	r.Route("/imports", func(r chi.Router) {
		r.Post("/plan", s.handlePlanImport)
		r.Get("/", s.handleListImports)
		r.Post("/{id}/start", s.handleStartImport)
		r.Get("/{id}", s.handleGetImport)
	})

	r.Route("/enrichments", func(r chi.Router) {
		r.Post("/", s.handleCreateEnrichment)
		r.Get("/{id}", s.handleGetEnrichment)
		r.Post("/{id}/cancel", s.handleCancelEnrichment)
		r.Post("/{id}/retry", s.handleRetryEnrichment)
		r.Get("/{id}/failures", s.handleEnrichmentFailures)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.CacheStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("api: encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	respond(w, status, map[string]string{"error": err.Error()})
}
