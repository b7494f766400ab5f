package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"drivein/internal/models"
	"drivein/internal/store"
)

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter store.JobFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		js := models.JobStatus(raw)
		filter.Status = &js
	}
	if t := r.URL.Query().Get("type"); t != "" {
		filter.Type = &t
	}
	if ek := r.URL.Query().Get("errorKind"); ek != "" {
		filter.ErrorKind = &ek
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			filter.Limit = parsed
		}
	}
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		filter.Cursor = &cursor
	}

	resp, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs", nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, ok, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load job", nil)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job_not_found", "job not found", map[string]any{"jobId": jobID})
		return
	}
	writeJSON(w, http.StatusOK, job)
}
