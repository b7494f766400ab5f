package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"drivein/internal/models"
)

// Token carries decrypted credential material. It stays inside the
// process; API responses use models.TokenRecord instead.
type Token struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *string
}

func tokenRecordFromRow(row tokenRow) models.TokenRecord {
	return models.TokenRecord{
		UserID:                      row.UserID,
		Provider:                    row.Provider,
		ExpiresAt:                   row.ExpiresAt,
		LastRefreshAttemptAt:        row.LastRefreshAttemptAt,
		LastSuccessfulRefreshAt:     row.LastSuccessfulRefreshAt,
		RefreshFailureCount:         row.RefreshFailureCount,
		ProactiveRefreshScheduledAt: row.ProactiveRefreshScheduledAt,
		RequiresUserIntervention:    row.RequiresUserIntervention != 0,
		HealthCheckFailureCount:     row.HealthCheckFailureCount,
		LastNotificationSentAt:      row.LastNotificationSentAt,
		NotificationFailureCount:    row.NotificationFailureCount,
		CreatedAt:                   row.CreatedAt,
		UpdatedAt:                   row.UpdatedAt,
	}
}

type UpsertTokenInput struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *string
}

func (s *Store) UpsertToken(ctx context.Context, in UpsertTokenInput) (models.TokenRecord, error) {
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.Provider) == "" {
		return models.TokenRecord{}, errors.New("userId and provider are required")
	}

	access, refresh := in.AccessToken, in.RefreshToken
	if s.crypto != nil {
		var err error
		if access, err = s.crypto.encryptString(access); err != nil {
			return models.TokenRecord{}, err
		}
		if refresh, err = s.crypto.encryptString(refresh); err != nil {
			return models.TokenRecord{}, err
		}
	}

	now := nowRFC3339Nano()
	var row tokenRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", in.UserID, in.Provider).
		Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = tokenRow{
			UserID:       in.UserID,
			Provider:     in.Provider,
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    in.ExpiresAt,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return models.TokenRecord{}, err
		}
	case err != nil:
		return models.TokenRecord{}, err
	default:
		// Reconnecting replaces the credential pair and clears the
		// intervention flag and failure counters.
		updates := map[string]any{
			"access_token":               access,
			"refresh_token":              refresh,
			"expires_at":                 in.ExpiresAt,
			"refresh_failure_count":      0,
			"requires_user_intervention": 0,
			"health_check_failure_count": 0,
			"updated_at":                 now,
		}
		if err := s.db.WithContext(ctx).
			Model(&tokenRow{}).
			Where("user_id = ? AND provider = ?", in.UserID, in.Provider).
			Updates(updates).Error; err != nil {
			return models.TokenRecord{}, err
		}
		if err := s.db.WithContext(ctx).
			Where("user_id = ? AND provider = ?", in.UserID, in.Provider).
			Take(&row).Error; err != nil {
			return models.TokenRecord{}, err
		}
	}
	return tokenRecordFromRow(row), nil
}

func (s *Store) GetToken(ctx context.Context, userID, provider string) (Token, bool, error) {
	var row tokenRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Token{}, false, nil
		}
		return Token{}, false, err
	}

	access, refresh := row.AccessToken, row.RefreshToken
	if s.crypto != nil {
		var err error
		if access, err = s.crypto.decryptString(access); err != nil {
			return Token{}, false, err
		}
		if refresh, err = s.crypto.decryptString(refresh); err != nil {
			return Token{}, false, err
		}
	} else if strings.HasPrefix(access, encryptedPrefix) || strings.HasPrefix(refresh, encryptedPrefix) {
		return Token{}, false, ErrEncryptedCredentials
	}

	return Token{
		UserID:       row.UserID,
		Provider:     row.Provider,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    row.ExpiresAt,
	}, true, nil
}

func (s *Store) GetTokenRecord(ctx context.Context, userID, provider string) (models.TokenRecord, bool, error) {
	var row tokenRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.TokenRecord{}, false, nil
		}
		return models.TokenRecord{}, false, err
	}
	return tokenRecordFromRow(row), true, nil
}

func (s *Store) DeleteToken(ctx context.Context, userID, provider string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&tokenRow{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListTokensExpiringBefore returns records whose expiry falls at or
// before the cutoff, skipping connections already flagged for manual
// reconnection.
func (s *Store) ListTokensExpiringBefore(ctx context.Context, provider, cutoffRFC3339Nano string, limit int) ([]models.TokenRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	query := s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", cutoffRFC3339Nano).
		Where("requires_user_intervention = 0")
	if provider != "" {
		query = query.Where("provider = ?", provider)
	}

	var rows []tokenRow
	if err := query.
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.TokenRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, tokenRecordFromRow(row))
	}
	return out, nil
}

// ScheduleProactiveRefresh claims the proactive-refresh slot for a
// connection. The conditional update doubles as an advisory lock: only
// one caller wins when the slot is empty or stale.
func (s *Store) ScheduleProactiveRefresh(ctx context.Context, userID, provider, atRFC3339Nano, staleBeforeRFC3339Nano string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Where("requires_user_intervention = 0").
		Where("proactive_refresh_scheduled_at IS NULL OR proactive_refresh_scheduled_at < ?", staleBeforeRFC3339Nano).
		Updates(map[string]any{
			"proactive_refresh_scheduled_at": atRFC3339Nano,
			"updated_at":                     nowRFC3339Nano(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) ClearProactiveRefreshSchedule(ctx context.Context, userID, provider string) error {
	return s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]any{
			"proactive_refresh_scheduled_at": nil,
			"updated_at":                     nowRFC3339Nano(),
		}).Error
}

// ClearStaleProactiveLocks releases locks older than the cutoff, but
// only on tokens that are still valid: an expired token's lock is left
// for the immediate-refresh path to resolve.
func (s *Store) ClearStaleProactiveLocks(ctx context.Context, staleBeforeRFC3339Nano, nowRFC3339 string) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("proactive_refresh_scheduled_at IS NOT NULL").
		Where("proactive_refresh_scheduled_at < ?", staleBeforeRFC3339Nano).
		Where("expires_at IS NOT NULL AND expires_at > ?", nowRFC3339).
		Updates(map[string]any{
			"proactive_refresh_scheduled_at": nil,
			"updated_at":                     nowRFC3339Nano(),
		})
	return res.RowsAffected, res.Error
}

func (s *Store) RecordRefreshAttempt(ctx context.Context, userID, provider string) error {
	now := nowRFC3339Nano()
	return s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]any{
			"last_refresh_attempt_at": now,
			"updated_at":              now,
		}).Error
}

// RecordRefreshSuccess persists the renewed credential pair and resets
// the failure-tracking state in one update.
func (s *Store) RecordRefreshSuccess(ctx context.Context, userID, provider, accessToken, refreshToken string, expiresAt *string) error {
	access, refresh := accessToken, refreshToken
	if s.crypto != nil {
		var err error
		if access, err = s.crypto.encryptString(access); err != nil {
			return err
		}
		if refresh, err = s.crypto.encryptString(refresh); err != nil {
			return err
		}
	}

	now := nowRFC3339Nano()
	updates := map[string]any{
		"access_token":                   access,
		"expires_at":                     expiresAt,
		"last_successful_refresh_at":     now,
		"refresh_failure_count":          0,
		"requires_user_intervention":     0,
		"proactive_refresh_scheduled_at": nil,
		"updated_at":                     now,
	}
	if refreshToken != "" {
		// Providers that rotate refresh tokens return a replacement.
		updates["refresh_token"] = refresh
	}
	return s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(updates).Error
}

// IncrementRefreshFailure bumps the counter and returns the new value.
func (s *Store) IncrementRefreshFailure(ctx context.Context, userID, provider string) (int, error) {
	if err := s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]any{
			"refresh_failure_count": gorm.Expr("refresh_failure_count + 1"),
			"updated_at":            nowRFC3339Nano(),
		}).Error; err != nil {
		return 0, err
	}

	var count int
	if err := s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Select("refresh_failure_count").
		Where("user_id = ? AND provider = ?", userID, provider).
		Scan(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) SetRequiresUserIntervention(ctx context.Context, userID, provider string, required bool) error {
	v := 0
	if required {
		v = 1
	}
	updates := map[string]any{
		"requires_user_intervention": v,
		"updated_at":                 nowRFC3339Nano(),
	}
	if required {
		updates["proactive_refresh_scheduled_at"] = nil
	}
	return s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(updates).Error
}

// ResetStaleFailureCounters zeroes refresh failure counters, and clears
// the attempt stamp, for rows whose last attempt predates the cutoff,
// so long-idle connections start clean. Flagged connections keep their
// count as evidence for the operator.
func (s *Store) ResetStaleFailureCounters(ctx context.Context, beforeRFC3339Nano string) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("refresh_failure_count > 0").
		Where("requires_user_intervention = 0").
		Where("last_refresh_attempt_at IS NOT NULL").
		Where("last_refresh_attempt_at < ?", beforeRFC3339Nano).
		Updates(map[string]any{
			"refresh_failure_count":   0,
			"last_refresh_attempt_at": nil,
			"updated_at":              nowRFC3339Nano(),
		})
	return res.RowsAffected, res.Error
}

func (s *Store) SetLastNotificationSentAt(ctx context.Context, userID, provider, atRFC3339Nano string) error {
	return s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]any{
			"last_notification_sent_at": atRFC3339Nano,
			"updated_at":                nowRFC3339Nano(),
		}).Error
}

func (s *Store) IncrementNotificationFailure(ctx context.Context, userID, provider string) error {
	return s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]any{
			"notification_failure_count": gorm.Expr("notification_failure_count + 1"),
			"updated_at":                 nowRFC3339Nano(),
		}).Error
}

func (s *Store) IncrementHealthCheckFailure(ctx context.Context, userID, provider string) error {
	return s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]any{
			"health_check_failure_count": gorm.Expr("health_check_failure_count + 1"),
			"updated_at":                 nowRFC3339Nano(),
		}).Error
}

func (s *Store) ResetHealthCheckFailures(ctx context.Context, userID, provider string) error {
	return s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]any{
			"health_check_failure_count": 0,
			"updated_at":                 nowRFC3339Nano(),
		}).Error
}
