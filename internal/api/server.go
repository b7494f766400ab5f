package api

import (
	"drivein/internal/config"
	"drivein/internal/health"
	"drivein/internal/jobs"
	"drivein/internal/metrics"
	"drivein/internal/provider"
	"drivein/internal/store"
	"drivein/internal/tokens"
	"drivein/internal/ws"
)

type server struct {
	cfg        config.Config
	store      *store.Store
	tracker    *health.Tracker
	coord      *tokens.Coordinator
	jobs       *jobs.Manager
	registry   *provider.Registry
	hub        *ws.Hub
	metrics    *metrics.Metrics
	serverAddr string
}
