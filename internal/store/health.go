package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"gorm.io/gorm"

	"drivein/internal/models"
)

func healthRecordFromRow(row healthRow) models.HealthRecord {
	out := models.HealthRecord{
		UserID:                    row.UserID,
		Provider:                  row.Provider,
		Status:                    models.HealthStatus(row.Status),
		ConsecutiveFailures:       row.ConsecutiveFailures,
		LastErrorMessage:          row.LastErrorMessage,
		LastErrorType:             row.LastErrorType,
		TokenExpiresAt:            row.TokenExpiresAt,
		RequiresReconnection:      row.RequiresReconnection != 0,
		LastSuccessfulOperationAt: row.LastSuccessfulOperationAt,
		UpdatedAt:                 row.UpdatedAt,
	}
	if strings.TrimSpace(row.ProviderDataJSON) != "" {
		_ = json.Unmarshal([]byte(row.ProviderDataJSON), &out.ProviderSpecificData)
	}
	return out
}

func (s *Store) GetHealthRecord(ctx context.Context, userID, provider string) (models.HealthRecord, bool, error) {
	var row healthRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.HealthRecord{}, false, nil
		}
		return models.HealthRecord{}, false, err
	}
	return healthRecordFromRow(row), true, nil
}

// SaveHealthRecord upserts the full derived record. Callers compute
// the status; the store only persists it.
func (s *Store) SaveHealthRecord(ctx context.Context, rec models.HealthRecord) error {
	dataJSON := "{}"
	if len(rec.ProviderSpecificData) > 0 {
		b, err := json.Marshal(rec.ProviderSpecificData)
		if err != nil {
			return err
		}
		dataJSON = string(b)
	}

	reconnect := 0
	if rec.RequiresReconnection {
		reconnect = 1
	}
	now := nowRFC3339Nano()

	var existing healthRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", rec.UserID, rec.Provider).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := healthRow{
			UserID:                    rec.UserID,
			Provider:                  rec.Provider,
			Status:                    string(rec.Status),
			ConsecutiveFailures:       rec.ConsecutiveFailures,
			LastErrorMessage:          rec.LastErrorMessage,
			LastErrorType:             rec.LastErrorType,
			TokenExpiresAt:            rec.TokenExpiresAt,
			RequiresReconnection:      reconnect,
			ProviderDataJSON:          dataJSON,
			LastSuccessfulOperationAt: rec.LastSuccessfulOperationAt,
			CreatedAt:                 now,
			UpdatedAt:                 now,
		}
		return s.db.WithContext(ctx).Create(&row).Error
	case err != nil:
		return err
	default:
		return s.db.WithContext(ctx).
			Model(&healthRow{}).
			Where("user_id = ? AND provider = ?", rec.UserID, rec.Provider).
			Updates(map[string]any{
				"status":                       string(rec.Status),
				"consecutive_failures":         rec.ConsecutiveFailures,
				"last_error_message":           rec.LastErrorMessage,
				"last_error_type":              rec.LastErrorType,
				"token_expires_at":             rec.TokenExpiresAt,
				"requires_reconnection":        reconnect,
				"provider_data_json":           dataJSON,
				"last_successful_operation_at": rec.LastSuccessfulOperationAt,
				"updated_at":                   now,
			}).Error
	}
}

func (s *Store) ListHealthByProviderAndStatuses(ctx context.Context, provider string, statuses []models.HealthStatus) ([]models.HealthRecord, error) {
	query := s.db.WithContext(ctx).Model(&healthRow{})
	if provider != "" {
		query = query.Where("provider = ?", provider)
	}
	if len(statuses) > 0 {
		vals := make([]string, 0, len(statuses))
		for _, st := range statuses {
			vals = append(vals, string(st))
		}
		query = query.Where("status IN ?", vals)
	}

	var rows []healthRow
	if err := query.
		Order("user_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.HealthRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, healthRecordFromRow(row))
	}
	return out, nil
}

// DeleteHealthRecordsBefore drops records not touched since the
// cutoff. Reconnection-flagged records are kept until resolved.
func (s *Store) DeleteHealthRecordsBefore(ctx context.Context, beforeRFC3339Nano string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("updated_at < ?", beforeRFC3339Nano).
		Where("requires_reconnection = 0").
		Delete(&healthRow{})
	return res.RowsAffected, res.Error
}

// DeleteOrphanHealthRecords removes health rows whose credential pair
// no longer exists.
func (s *Store) DeleteOrphanHealthRecords(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where(`NOT EXISTS (
			SELECT 1 FROM cloud_storage_tokens t
			WHERE t.user_id = cloud_storage_health.user_id
			  AND t.provider = cloud_storage_health.provider)`).
		Delete(&healthRow{})
	return res.RowsAffected, res.Error
}
