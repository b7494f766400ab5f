package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"drivein/internal/jobs"
	"drivein/internal/models"
	"drivein/internal/store"
)

func (s *server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	var filter store.UploadFilter
	if p := r.URL.Query().Get("provider"); p != "" {
		filter.Provider = &p
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.UploadStatus(raw)
		switch status {
		case models.UploadStatusPending, models.UploadStatusDelivered, models.UploadStatusFailed:
			filter.Status = &status
		default:
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown upload status", map[string]any{"status": raw})
			return
		}
	}
	if et := r.URL.Query().Get("errorType"); et != "" {
		filter.ErrorType = &et
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			filter.Limit = parsed
		}
	}
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		filter.Cursor = &cursor
	}

	resp, err := s.store.ListUploads(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list uploads", nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type createUploadRequest struct {
	Provider         string  `json:"provider"`
	CompanyUserID    *string `json:"companyUserId,omitempty"`
	UploadedByUserID *string `json:"uploadedByUserId,omitempty"`
	ClientEmail      string  `json:"clientEmail,omitempty"`
	Filename         string  `json:"filename"`
	LocalPath        string  `json:"localPath"`
	SizeBytes        int64   `json:"sizeBytes"`
}

func (s *server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body", map[string]any{"error": err.Error()})
		return
	}
	if !s.registry.Has(req.Provider) {
		writeError(w, http.StatusBadRequest, "unknown_provider", "unknown provider", map[string]any{"provider": req.Provider})
		return
	}
	if req.Filename == "" || req.LocalPath == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "filename and localPath are required", nil)
		return
	}

	upload, err := s.store.CreateUpload(r.Context(), store.CreateUploadInput{
		Provider:         req.Provider,
		CompanyUserID:    req.CompanyUserID,
		UploadedByUserID: req.UploadedByUserID,
		ClientEmail:      req.ClientEmail,
		Filename:         req.Filename,
		LocalPath:        req.LocalPath,
		SizeBytes:        req.SizeBytes,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, upload)
}

func (s *server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	upload, ok, err := s.store.GetUpload(r.Context(), uploadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load upload", nil)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "upload_not_found", "upload not found", map[string]any{"uploadId": uploadID})
		return
	}
	writeJSON(w, http.StatusOK, upload)
}

func (s *server) handleRetryUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	upload, ok, err := s.store.GetUpload(r.Context(), uploadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load upload", nil)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "upload_not_found", "upload not found", map[string]any{"uploadId": uploadID})
		return
	}
	if upload.Status() == models.UploadStatusDelivered {
		writeError(w, http.StatusConflict, "already_delivered", "upload has already been delivered", map[string]any{"uploadId": uploadID})
		return
	}

	job, err := s.jobs.EnqueueUploadRecovery(r.Context(), uploadID, models.JobLaneHigh)
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "queue_full", "job queue is full, retry later", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue retry", nil)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}
