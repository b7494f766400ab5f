package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"drivein/internal/models"
)

func uploadFromRow(row uploadRow) (models.FileUpload, error) {
	out := models.FileUpload{
		ID:                        row.ID,
		Provider:                  row.Provider,
		CompanyUserID:             row.CompanyUserID,
		UploadedByUserID:          row.UploadedByUserID,
		ClientEmail:               row.ClientEmail,
		Filename:                  row.Filename,
		LocalPath:                 row.LocalPath,
		SizeBytes:                 row.SizeBytes,
		ProviderFileID:            row.ProviderFileID,
		RetryCount:                row.RetryCount,
		RecoveryAttempts:          row.RecoveryAttempts,
		LastError:                 row.LastError,
		CloudStorageErrorType:     row.CloudStorageErrorType,
		ConnectionHealthAtFailure: row.ConnectionHealthAtFailure,
		LastProcessedAt:           row.LastProcessedAt,
		RetryRecommendedAt:        row.RetryRecommendedAt,
		CreatedAt:                 row.CreatedAt,
		UpdatedAt:                 row.UpdatedAt,
	}
	if row.ErrorDetailsJSON != nil && *row.ErrorDetailsJSON != "" {
		if err := json.Unmarshal([]byte(*row.ErrorDetailsJSON), &out.ErrorDetails); err != nil {
			return models.FileUpload{}, err
		}
	}
	if row.CloudStorageErrorContextJSON != nil && *row.CloudStorageErrorContextJSON != "" {
		if err := json.Unmarshal([]byte(*row.CloudStorageErrorContextJSON), &out.CloudStorageErrorContext); err != nil {
			return models.FileUpload{}, err
		}
	}
	return out, nil
}

type CreateUploadInput struct {
	Provider         string
	CompanyUserID    *string
	UploadedByUserID *string
	ClientEmail      string
	Filename         string
	LocalPath        string
	SizeBytes        int64
}

func (s *Store) CreateUpload(ctx context.Context, in CreateUploadInput) (models.FileUpload, error) {
	if strings.TrimSpace(in.Filename) == "" {
		return models.FileUpload{}, errors.New("filename is required")
	}
	if strings.TrimSpace(in.Provider) == "" {
		return models.FileUpload{}, errors.New("provider is required")
	}

	now := nowRFC3339Nano()
	row := uploadRow{
		ID:               ulid.Make().String(),
		Provider:         in.Provider,
		CompanyUserID:    in.CompanyUserID,
		UploadedByUserID: in.UploadedByUserID,
		ClientEmail:      strings.TrimSpace(in.ClientEmail),
		Filename:         in.Filename,
		LocalPath:        in.LocalPath,
		SizeBytes:        in.SizeBytes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.FileUpload{}, err
	}
	return uploadFromRow(row)
}

func (s *Store) GetUpload(ctx context.Context, uploadID string) (models.FileUpload, bool, error) {
	var row uploadRow
	if err := s.db.WithContext(ctx).
		Where("id = ?", uploadID).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.FileUpload{}, false, nil
		}
		return models.FileUpload{}, false, err
	}
	upload, err := uploadFromRow(row)
	if err != nil {
		return models.FileUpload{}, false, err
	}
	return upload, true, nil
}

type UploadFilter struct {
	Provider  *string
	Status    *models.UploadStatus
	ErrorType *string
	Limit     int
	Cursor    *string
}

func (s *Store) ListUploads(ctx context.Context, f UploadFilter) (models.UploadsListResponse, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	query := s.db.WithContext(ctx).Model(&uploadRow{})
	if f.Provider != nil && *f.Provider != "" {
		query = query.Where("provider = ?", *f.Provider)
	}
	if f.Status != nil {
		switch *f.Status {
		case models.UploadStatusDelivered:
			query = query.Where("provider_file_id IS NOT NULL AND provider_file_id != ''")
		case models.UploadStatusFailed:
			query = query.Where("(provider_file_id IS NULL OR provider_file_id = '')").
				Where("last_error IS NOT NULL AND last_error != ''")
		case models.UploadStatusPending:
			query = query.Where("(provider_file_id IS NULL OR provider_file_id = '')").
				Where("(last_error IS NULL OR last_error = '')")
		}
	}
	if f.ErrorType != nil && strings.TrimSpace(*f.ErrorType) != "" {
		query = query.Where("cloud_storage_error_type = ?", strings.TrimSpace(*f.ErrorType))
	}
	if f.Cursor != nil && *f.Cursor != "" {
		query = query.Where("id < ?", *f.Cursor)
	}

	var rows []uploadRow
	if err := query.
		Order("id DESC").
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		return models.UploadsListResponse{}, err
	}

	resp := models.UploadsListResponse{Items: make([]models.FileUpload, 0)}
	for i, row := range rows {
		if i >= limit {
			last := resp.Items[len(resp.Items)-1].ID
			resp.NextCursor = &last
			break
		}
		upload, err := uploadFromRow(row)
		if err != nil {
			return models.UploadsListResponse{}, err
		}
		resp.Items = append(resp.Items, upload)
	}
	return resp, nil
}

func (s *Store) MarkUploadDelivered(ctx context.Context, uploadID, providerFileID string) error {
	now := nowRFC3339Nano()
	return s.db.WithContext(ctx).
		Model(&uploadRow{}).
		Where("id = ?", uploadID).
		Updates(map[string]any{
			"provider_file_id":                 providerFileID,
			"last_error":                       nil,
			"error_details_json":               nil,
			"cloud_storage_error_type":         nil,
			"cloud_storage_error_context_json": nil,
			"retry_recommended_at":             nil,
			"last_processed_at":                now,
			"updated_at":                       now,
		}).Error
}

type UploadFailureInput struct {
	Message            string
	Details            map[string]any
	ErrorType          string
	ErrorContext       map[string]any
	HealthAtFailure    *string
	RetryRecommendedAt *string
}

// RecordUploadFailure captures the failure context and bumps the
// attempt counter in one update.
func (s *Store) RecordUploadFailure(ctx context.Context, uploadID string, in UploadFailureInput) error {
	var detailsJSON, contextJSON *string
	if len(in.Details) > 0 {
		b, err := json.Marshal(in.Details)
		if err != nil {
			return err
		}
		v := string(b)
		detailsJSON = &v
	}
	if len(in.ErrorContext) > 0 {
		b, err := json.Marshal(in.ErrorContext)
		if err != nil {
			return err
		}
		v := string(b)
		contextJSON = &v
	}

	now := nowRFC3339Nano()
	return s.db.WithContext(ctx).
		Model(&uploadRow{}).
		Where("id = ?", uploadID).
		Updates(map[string]any{
			"last_error":                       in.Message,
			"error_details_json":               detailsJSON,
			"cloud_storage_error_type":         in.ErrorType,
			"cloud_storage_error_context_json": contextJSON,
			"connection_health_at_failure":     in.HealthAtFailure,
			"retry_recommended_at":             in.RetryRecommendedAt,
			"retry_count":                      gorm.Expr("retry_count + 1"),
			"last_processed_at":                now,
			"updated_at":                       now,
		}).Error
}

// BeginUploadRecovery bumps the recovery counter and stamps the
// processing time before an attempt runs, so crashes still count.
func (s *Store) BeginUploadRecovery(ctx context.Context, uploadID string) error {
	now := nowRFC3339Nano()
	return s.db.WithContext(ctx).
		Model(&uploadRow{}).
		Where("id = ?", uploadID).
		Updates(map[string]any{
			"recovery_attempts": gorm.Expr("recovery_attempts + 1"),
			"last_processed_at": now,
			"updated_at":        now,
		}).Error
}

// ListRecoverableUploads returns failed uploads whose recorded error
// kind is in the given set and whose recovery budget is not exhausted.
func (s *Store) ListRecoverableUploads(ctx context.Context, errorKinds []string, maxAttempts, limit int) ([]models.FileUpload, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).
		Model(&uploadRow{}).
		Where("(provider_file_id IS NULL OR provider_file_id = '')").
		Where("last_error IS NOT NULL AND last_error != ''").
		Where("recovery_attempts < ?", attemptsFloor(maxAttempts))
	if len(errorKinds) > 0 {
		query = query.Where("cloud_storage_error_type IN ?", errorKinds)
	}

	var rows []uploadRow
	if err := query.
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.FileUpload, 0, len(rows))
	for _, row := range rows {
		upload, err := uploadFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, upload)
	}
	return out, nil
}

func attemptsFloor(v int) int {
	if v <= 0 {
		return 1
	}
	return v
}
