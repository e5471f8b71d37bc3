// Package api serves the engine's HTTP surface: run lifecycle, document
// attachment, evaluation results, provider key management, and operational
// endpoints. Every /api/v1 route sits behind tenant authentication.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promptarena/arena/pkg/pipeline"
	"github.com/promptarena/arena/pkg/ratelimit"
	"github.com/promptarena/arena/pkg/services"
	"github.com/promptarena/arena/pkg/store"
	"github.com/promptarena/arena/pkg/vault"
)

// Deps carries the server's dependencies. DB is used for health checks only;
// all data access goes through the services.
type Deps struct {
	DB       *sql.DB
	Store    *store.Store
	Runs     *services.RunService
	Docs     *services.DocumentService
	Evals    *services.EvalService
	Events   *services.EventService
	Vault    *vault.Vault
	Limiter  *ratelimit.Limiter
	Registry *prometheus.Registry

	// Warnings, when set, surfaces transient operational warnings on /health.
	Warnings *services.SystemWarningsService

	// ServiceSecret authenticates plugin/service callers that act on behalf
	// of a tenant named in X-Tenant-ID. Empty disables that path.
	ServiceSecret string
}

// Server is the HTTP API server.
type Server struct {
	deps    Deps
	pool    *pipeline.Pool
	metrics *Metrics
	engine  *gin.Engine
	http    *http.Server
}

// NewServer builds the server and its route table.
func NewServer(deps Deps) *Server {
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	s := &Server{
		deps:    deps,
		metrics: NewMetrics(deps.Registry),
	}
	s.engine = s.routes()
	return s
}

// SetPool wires the run worker pool in after construction. The pool feeds the
// health endpoint and same-process run cancellation.
func (s *Server) SetPool(p *pipeline.Pool) {
	s.pool = p
}

// Handler exposes the route table for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving HTTP on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.requestLogger(), s.observeRequests(), securityHeaders())

	// Unauthenticated operational endpoints.
	r.GET("/health", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1", s.authRequired())

	runs := v1.Group("/runs")
	runs.POST("", s.createRunHandler)
	runs.GET("", s.listRunsHandler)
	runs.GET("/:id", s.getRunHandler)
	runs.PATCH("/:id", s.updateRunHandler)
	runs.DELETE("/:id", s.deleteRunHandler)
	runs.POST("/:id/start", s.startRunHandler)
	runs.POST("/:id/cancel", s.cancelRunHandler)

	runs.POST("/:id/documents", s.attachDocumentHandler)
	runs.POST("/:id/documents/batch", s.attachDocumentBatchHandler)
	runs.GET("/:id/documents", s.listDocumentsHandler)
	runs.DELETE("/:id/documents/:docID", s.detachDocumentHandler)

	runs.GET("/:id/evaluate/status", s.evalStatusHandler)
	runs.GET("/:id/evaluate/results", s.evalResultsHandler)

	runs.GET("/:id/tasks", s.listTasksHandler)
	runs.GET("/:id/artifacts", s.listArtifactsHandler)
	runs.GET("/:id/timeline", s.timelineHandler)

	keys := v1.Group("/keys")
	keys.GET("", s.listKeysHandler)
	keys.PUT("/:provider", s.putKeyHandler)
	keys.DELETE("/:provider", s.deleteKeyHandler)

	v1.GET("/rate-limits/status", s.rateLimitStatusHandler)

	return r
}
