package health

import (
	"context"
	"fmt"
	"time"

	"drivein/internal/classify"
	"drivein/internal/logging"
	"drivein/internal/metrics"
	"drivein/internal/models"
	"drivein/internal/store"
)

// Consecutive-failure thresholds for the derived status ladder.
const (
	degradedThreshold  = 2
	unhealthyThreshold = 5
)

// DeriveStatus maps the consecutive failure counter to a status. The
// counter is the single source of truth; callers never set a status
// directly. Disconnected is handled separately since it depends on
// credential presence, not failures.
func DeriveStatus(consecutiveFailures int) models.HealthStatus {
	switch {
	case consecutiveFailures >= unhealthyThreshold:
		return models.HealthStatusUnhealthy
	case consecutiveFailures >= degradedThreshold:
		return models.HealthStatusDegraded
	default:
		return models.HealthStatusHealthy
	}
}

// Events receives health transitions for fan-out to live subscribers.
type Events interface {
	ConnectionHealthChanged(rec models.HealthRecord)
}

type Tracker struct {
	store          *store.Store
	log            *logging.Logger
	metrics        *metrics.Metrics
	events         Events
	expiringWindow time.Duration
}

type TrackerOptions struct {
	Store          *store.Store
	Log            *logging.Logger
	Metrics        *metrics.Metrics
	Events         Events
	ExpiringWindow time.Duration
}

func NewTracker(opts TrackerOptions) *Tracker {
	window := opts.ExpiringWindow
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Tracker{
		store:          opts.Store,
		log:            opts.Log,
		metrics:        opts.Metrics,
		events:         opts.Events,
		expiringWindow: window,
	}
}

func (t *Tracker) logf(level logging.Level, format string, args ...any) {
	if t.log == nil {
		return
	}
	switch level {
	case logging.LevelDebug:
		t.log.Debugf(format, args...)
	case logging.LevelWarn:
		t.log.Warnf(format, args...)
	case logging.LevelError:
		t.log.Errorf(format, args...)
	default:
		t.log.Infof(format, args...)
	}
}

// RecordSuccessfulOperation resets the failure counter and restores
// healthy status. Provider-specific data (quota, account info) is
// merged into the record when given.
func (t *Tracker) RecordSuccessfulOperation(ctx context.Context, userID, provider string, providerData map[string]string) error {
	rec, ok, err := t.store.GetHealthRecord(ctx, userID, provider)
	if err != nil {
		return err
	}
	prev := rec.Status
	if !ok {
		rec = models.HealthRecord{UserID: userID, Provider: provider}
		prev = models.HealthStatusDisconnected
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rec.Status = models.HealthStatusHealthy
	rec.ConsecutiveFailures = 0
	rec.LastErrorMessage = nil
	rec.LastErrorType = nil
	rec.RequiresReconnection = false
	rec.LastSuccessfulOperationAt = &now
	if len(providerData) > 0 {
		if rec.ProviderSpecificData == nil {
			rec.ProviderSpecificData = make(map[string]string, len(providerData))
		}
		for k, v := range providerData {
			rec.ProviderSpecificData[k] = v
		}
	}

	if err := t.store.SaveHealthRecord(ctx, rec); err != nil {
		return err
	}
	if err := t.store.ResetHealthCheckFailures(ctx, userID, provider); err != nil {
		return err
	}

	if prev != models.HealthStatusHealthy {
		t.metrics.IncHealthTransition(provider, string(prev), string(models.HealthStatusHealthy))
		t.logf(logging.LevelInfo, "health: connection recovered user=%s provider=%s (was %s)", userID, provider, prev)
		t.publish(rec)
	}
	return nil
}

// RecordFailedOperation classifies the error, bumps the consecutive
// failure counter and re-derives the status. Crossing the unhealthy
// threshold, or hitting an error the user must fix, flags the
// connection for reconnection.
func (t *Tracker) RecordFailedOperation(ctx context.Context, userID, provider string, opErr error) (models.HealthRecord, error) {
	kind := classify.Classify(opErr)

	rec, ok, err := t.store.GetHealthRecord(ctx, userID, provider)
	if err != nil {
		return models.HealthRecord{}, err
	}
	prev := rec.Status
	if !ok {
		rec = models.HealthRecord{UserID: userID, Provider: provider}
		prev = models.HealthStatusDisconnected
	}

	rec.ConsecutiveFailures++
	rec.Status = DeriveStatus(rec.ConsecutiveFailures)
	msg := opErr.Error()
	kindStr := string(kind)
	rec.LastErrorMessage = &msg
	rec.LastErrorType = &kindStr
	if rec.ConsecutiveFailures >= unhealthyThreshold || kind.RequiresUserIntervention() {
		rec.RequiresReconnection = true
	}

	if err := t.store.SaveHealthRecord(ctx, rec); err != nil {
		return models.HealthRecord{}, err
	}
	if err := t.store.IncrementHealthCheckFailure(ctx, userID, provider); err != nil {
		return models.HealthRecord{}, err
	}

	if rec.Status != prev {
		t.metrics.IncHealthTransition(provider, string(prev), string(rec.Status))
		t.publish(rec)
	}
	level := logging.LevelWarn
	if kind.Severity() == classify.SeverityHigh {
		level = logging.LevelError
	}
	t.logf(level, "health: operation failed user=%s provider=%s kind=%s failures=%d status=%s: %v",
		userID, provider, kind, rec.ConsecutiveFailures, rec.Status, opErr)
	return rec, nil
}

// UpdateTokenExpiration mirrors the credential expiry onto the health
// record so summaries can be served without a token-table join.
func (t *Tracker) UpdateTokenExpiration(ctx context.Context, userID, provider string, expiresAt *string) error {
	rec, ok, err := t.store.GetHealthRecord(ctx, userID, provider)
	if err != nil {
		return err
	}
	if !ok {
		rec = models.HealthRecord{
			UserID:   userID,
			Provider: provider,
			Status:   models.HealthStatusHealthy,
		}
	}
	rec.TokenExpiresAt = expiresAt
	return t.store.SaveHealthRecord(ctx, rec)
}

// GetHealthSummary builds the flattened view. A pair with no stored
// credential reports disconnected regardless of recorded history.
func (t *Tracker) GetHealthSummary(ctx context.Context, userID, provider string) (models.HealthSummary, error) {
	tokenRec, hasToken, err := t.store.GetTokenRecord(ctx, userID, provider)
	if err != nil {
		return models.HealthSummary{}, err
	}
	rec, hasRec, err := t.store.GetHealthRecord(ctx, userID, provider)
	if err != nil {
		return models.HealthSummary{}, err
	}

	summary := models.HealthSummary{
		UserID:   userID,
		Provider: provider,
		Status:   models.HealthStatusDisconnected,
	}
	if hasRec {
		summary.Status = rec.Status
		summary.ConsecutiveFailures = rec.ConsecutiveFailures
		summary.LastErrorType = rec.LastErrorType
		summary.LastErrorMessage = rec.LastErrorMessage
		summary.RequiresReconnection = rec.RequiresReconnection
		summary.LastSuccessfulOperationAt = rec.LastSuccessfulOperationAt
		summary.TokenExpiresAt = rec.TokenExpiresAt
	}
	if !hasToken {
		summary.Status = models.HealthStatusDisconnected
	} else {
		// A credential with no recorded history is a fresh
		// connection, not a disconnected one.
		if !hasRec {
			summary.Status = models.HealthStatusHealthy
		}
		if summary.TokenExpiresAt == nil {
			summary.TokenExpiresAt = tokenRec.ExpiresAt
		}
		if tokenRec.RequiresUserIntervention {
			summary.RequiresReconnection = true
		}
	}

	summary.IsHealthy = summary.Status == models.HealthStatusHealthy
	summary.IsDegraded = summary.Status == models.HealthStatusDegraded
	summary.IsUnhealthy = summary.Status == models.HealthStatusUnhealthy
	summary.IsDisconnected = summary.Status == models.HealthStatusDisconnected

	if summary.TokenExpiresAt != nil {
		expired, soon, err := expiryFlags(*summary.TokenExpiresAt, t.expiringWindow)
		if err != nil {
			return models.HealthSummary{}, fmt.Errorf("invalid token expiry for user=%s provider=%s: %w", userID, provider, err)
		}
		summary.TokenExpired = expired
		summary.TokenExpiringSoon = soon
	}
	return summary, nil
}

// GetUsersWithUnhealthyConnections lists summaries for every pair
// currently degraded or worse for the provider.
func (t *Tracker) GetUsersWithUnhealthyConnections(ctx context.Context, provider string) ([]models.HealthSummary, error) {
	recs, err := t.store.ListHealthByProviderAndStatuses(ctx, provider, []models.HealthStatus{
		models.HealthStatusDegraded,
		models.HealthStatusUnhealthy,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.HealthSummary, 0, len(recs))
	for _, rec := range recs {
		summary, err := t.GetHealthSummary(ctx, rec.UserID, rec.Provider)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

// GetUsersWithExpiringTokens returns token records whose expiry falls
// inside the window from now.
func (t *Tracker) GetUsersWithExpiringTokens(ctx context.Context, provider string, window time.Duration) ([]models.TokenRecord, error) {
	cutoff := time.Now().UTC().Add(window).Format(time.RFC3339Nano)
	return t.store.ListTokensExpiringBefore(ctx, provider, cutoff, 0)
}

func (t *Tracker) publish(rec models.HealthRecord) {
	if t.events != nil {
		t.events.ConnectionHealthChanged(rec)
	}
}

func expiryFlags(expiresAt string, window time.Duration) (expired, soon bool, err error) {
	exp, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		exp, err = time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			return false, false, err
		}
	}
	now := time.Now().UTC()
	if !exp.After(now) {
		return true, false, nil
	}
	return false, exp.Sub(now) <= window, nil
}
