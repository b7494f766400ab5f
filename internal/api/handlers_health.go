package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"drivein/internal/models"
	"drivein/internal/tokens"
)

func (s *server) handleGetConnectionHealth(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	providerName := chi.URLParam(r, "provider")
	if !s.registry.Has(providerName) {
		writeError(w, http.StatusNotFound, "unknown_provider", "unknown provider", map[string]any{"provider": providerName})
		return
	}
	if _, ok, err := s.store.GetUser(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load user", nil)
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "user_not_found", "user not found", map[string]any{"userId": userID})
		return
	}

	summary, err := s.tracker.GetHealthSummary(r.Context(), userID, providerName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to compute health summary", nil)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handleRefreshConnection(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	providerName := chi.URLParam(r, "provider")
	if !s.registry.Has(providerName) {
		writeError(w, http.StatusNotFound, "unknown_provider", "unknown provider", map[string]any{"provider": providerName})
		return
	}

	res := s.coord.CoordinateRefresh(r.Context(), userID, providerName)
	status := http.StatusOK
	if res.Type == tokens.ResultFailure {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res.Outcome())
}

func (s *server) handleListUnhealthyConnections(w http.ResponseWriter, r *http.Request) {
	providerName := strings.TrimSpace(r.URL.Query().Get("provider"))
	if providerName == "" {
		writeError(w, http.StatusBadRequest, "missing_provider", "provider query parameter is required", nil)
		return
	}
	if !s.registry.Has(providerName) {
		writeError(w, http.StatusNotFound, "unknown_provider", "unknown provider", map[string]any{"provider": providerName})
		return
	}

	items, err := s.tracker.GetUsersWithUnhealthyConnections(r.Context(), providerName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list unhealthy connections", nil)
		return
	}
	if items == nil {
		items = []models.HealthSummary{}
	}
	writeJSON(w, http.StatusOK, models.UnhealthyConnectionsResponse{
		Provider: providerName,
		Items:    items,
	})
}
