package api

import (
	"net/http"

	"drivein/internal/models"
	"drivein/internal/version"
)

func (s *server) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	resp := models.MetaResponse{
		Version:                version.Version,
		ServerAddr:             s.serverAddr,
		APITokenEnabled:        s.cfg.APIToken != "",
		EncryptionEnabled:      s.store.EncryptionEnabled(),
		Providers:              s.registry.Names(),
		JobConcurrency:         s.cfg.JobConcurrency,
		SweepIntervalSeconds:   int64(s.cfg.SweepInterval.Seconds()),
		ImmediateWindowSeconds: int64(s.cfg.ImmediateWindow.Seconds()),
		AdvanceWindowSeconds:   int64(s.cfg.AdvanceWindow.Seconds()),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}
