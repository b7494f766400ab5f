// Package api exposes the lifecycle engine over HTTP: connection
// health, manual refreshes, upload retries, job inspection, and a
// websocket event stream.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"drivein/internal/config"
	"drivein/internal/health"
	"drivein/internal/jobs"
	"drivein/internal/metrics"
	"drivein/internal/provider"
	"drivein/internal/store"
	"drivein/internal/tokens"
	"drivein/internal/ws"
)

type Dependencies struct {
	Config     config.Config
	Store      *store.Store
	Tracker    *health.Tracker
	Coord      *tokens.Coordinator
	Jobs       *jobs.Manager
	Registry   *provider.Registry
	Hub        *ws.Hub
	Metrics    *metrics.Metrics
	ServerAddr string
}

func New(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(securityHeaders)

	api := &server{
		cfg:        dep.Config,
		store:      dep.Store,
		tracker:    dep.Tracker,
		coord:      dep.Coord,
		jobs:       dep.Jobs,
		registry:   dep.Registry,
		hub:        dep.Hub,
		metrics:    dep.Metrics,
		serverAddr: dep.ServerAddr,
	}

	apiRouter := chi.NewRouter()
	apiRouter.Use(api.requireLocalHost)
	apiRouter.Use(api.requireAPIToken)
	apiRouter.Use(api.observeRequests)

	apiRouter.Get("/ws", api.handleWS)
	apiRouter.Get("/meta", api.handleGetMeta)

	apiRouter.Route("/users/{userId}/connections/{provider}", func(r chi.Router) {
		r.Get("/health", api.handleGetConnectionHealth)
		r.Post("/refresh", api.handleRefreshConnection)
	})
	apiRouter.Get("/connections/unhealthy", api.handleListUnhealthyConnections)

	apiRouter.Route("/uploads", func(r chi.Router) {
		r.Get("/", api.handleListUploads)
		r.Post("/", api.handleCreateUpload)
		r.Get("/{uploadId}", api.handleGetUpload)
		r.Post("/{uploadId}/retry", api.handleRetryUpload)
	})

	apiRouter.Route("/jobs", func(r chi.Router) {
		r.Get("/", api.handleListJobs)
		r.Get("/{jobId}", api.handleGetJob)
	})

	r.Mount("/api/v1", apiRouter)

	r.Get("/metrics", api.handleMetrics)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	return r
}
