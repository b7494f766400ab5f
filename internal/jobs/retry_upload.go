package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"drivein/internal/classify"
	"drivein/internal/health"
	"drivein/internal/logging"
	"drivein/internal/metrics"
	"drivein/internal/models"
	"drivein/internal/notify"
	"drivein/internal/provider"
	"drivein/internal/store"
)

// Attempt ceilings for a single upload record. Past either, the
// record is left for manual intervention.
const (
	retryCountCeiling       = 5
	recoveryAttemptsCeiling = 5
)

// Retry outcomes reported by Run.
const (
	OutcomeDelivered       = "delivered"
	OutcomeSkippedDone     = "skipped_already_delivered"
	OutcomeSkippedBudget   = "skipped_budget_exhausted"
	OutcomeSkippedKind     = "skipped_nonrecoverable"
	OutcomeDeferred        = "deferred_unhealthy"
	OutcomeFailed          = "failed"
	OutcomeFailedPermanent = "failed_permanent"
)

// RetryableError asks the queue to reschedule with backoff instead of
// failing the job.
type RetryableError struct {
	Kind classify.Kind
	Err  error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable (%s): %v", e.Kind, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// UploadRetryJob re-attempts cloud delivery for a failed upload.
type UploadRetryJob struct {
	store    *store.Store
	registry *provider.Registry
	tracker  *health.Tracker
	notifier *notify.Dispatcher
	log      *logging.Logger
	metrics  *metrics.Metrics
}

type UploadRetryJobOptions struct {
	Store    *store.Store
	Registry *provider.Registry
	Tracker  *health.Tracker
	Notifier *notify.Dispatcher
	Log      *logging.Logger
	Metrics  *metrics.Metrics
}

func NewUploadRetryJob(opts UploadRetryJobOptions) *UploadRetryJob {
	return &UploadRetryJob{
		store:    opts.Store,
		registry: opts.Registry,
		tracker:  opts.Tracker,
		notifier: opts.Notifier,
		log:      opts.Log,
		metrics:  opts.Metrics,
	}
}

// Run executes one retry pass for the upload. It returns a
// *RetryableError when the connection is unhealthy so the queue
// defers rather than fails.
func (j *UploadRetryJob) Run(ctx context.Context, uploadID string) (string, error) {
	upload, ok, err := j.store.GetUpload(ctx, uploadID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		return OutcomeFailed, fmt.Errorf("upload %s not found", uploadID)
	}

	// (a) Never re-deliver.
	if upload.Status() == models.UploadStatusDelivered {
		return OutcomeSkippedDone, nil
	}

	// (b) A vanished source file is a permanent failure.
	if _, statErr := os.Stat(upload.LocalPath); statErr != nil {
		failErr := fmt.Errorf("local source file missing: %s", upload.LocalPath)
		j.markPermanentFailure(ctx, upload, classify.KindFileNotFound, failErr)
		j.metrics.IncUploadRecovery(upload.Provider, OutcomeFailedPermanent)
		return OutcomeFailedPermanent, failErr
	}

	// (c) Respect the attempt budgets; exhaustion stops silently.
	if upload.RetryCount >= retryCountCeiling || upload.RecoveryAttempts >= recoveryAttemptsCeiling {
		j.infof("retry: upload %s budget exhausted (retries=%d recoveries=%d)", upload.ID, upload.RetryCount, upload.RecoveryAttempts)
		j.metrics.IncUploadRecovery(upload.Provider, OutcomeSkippedBudget)
		return OutcomeSkippedBudget, nil
	}

	// (d) Do not retry error kinds the user has to fix.
	if upload.CloudStorageErrorType != nil {
		kind := classify.ParseKind(*upload.CloudStorageErrorType)
		if !kind.Recoverable() {
			j.infof("retry: upload %s stopped, recorded error %s is not recoverable", upload.ID, kind)
			j.metrics.IncUploadRecovery(upload.Provider, OutcomeSkippedKind)
			return OutcomeSkippedKind, nil
		}
	}

	target, tok, err := j.resolveTargetUser(ctx, upload)
	if err != nil {
		j.markPermanentFailure(ctx, upload, classify.KindInvalidCredentials, err)
		j.metrics.IncUploadRecovery(upload.Provider, OutcomeFailedPermanent)
		return OutcomeFailedPermanent, err
	}

	// (e) An unhealthy connection defers the retry to queue backoff.
	summary, err := j.tracker.GetHealthSummary(ctx, target.ID, upload.Provider)
	if err != nil {
		return OutcomeFailed, err
	}
	if summary.IsUnhealthy {
		j.metrics.IncUploadRecovery(upload.Provider, OutcomeDeferred)
		return OutcomeDeferred, &RetryableError{
			Kind: classify.KindServiceUnavailable,
			Err:  fmt.Errorf("connection for user %s is unhealthy", target.ID),
		}
	}

	// Dispatching: count the attempt and stamp it before the transfer
	// so a crash mid-upload still consumes budget.
	if err := j.store.BeginUploadRecovery(ctx, upload.ID); err != nil {
		return OutcomeFailed, err
	}

	client, err := j.registry.Client(upload.Provider)
	if err != nil {
		j.markPermanentFailure(ctx, upload, classify.KindUnknown, err)
		j.metrics.IncUploadRecovery(upload.Provider, OutcomeFailedPermanent)
		return OutcomeFailedPermanent, err
	}

	fileID, uploadErr := client.Upload(ctx, provider.Credentials{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.ExpiresAt,
	}, upload.LocalPath, upload.Filename)
	if uploadErr != nil {
		return j.handleUploadError(ctx, upload, target, uploadErr)
	}

	if err := j.store.MarkUploadDelivered(ctx, upload.ID, fileID); err != nil {
		return OutcomeFailed, err
	}
	if err := j.tracker.RecordSuccessfulOperation(ctx, target.ID, upload.Provider, nil); err != nil {
		j.warnf("retry: health update after delivery failed: %v", err)
	}
	// Remove the staged file only once the transfer is confirmed.
	if err := os.Remove(upload.LocalPath); err != nil {
		j.warnf("retry: staged file cleanup failed for %s: %v", upload.LocalPath, err)
	}

	j.infof("retry: upload %s delivered as %s via user=%s", upload.ID, fileID, target.ID)
	j.metrics.IncUploadRecovery(upload.Provider, OutcomeDelivered)
	return OutcomeDelivered, nil
}

func (j *UploadRetryJob) handleUploadError(ctx context.Context, upload models.FileUpload, target models.User, uploadErr error) (string, error) {
	kind := classify.Classify(uploadErr)
	if _, err := j.tracker.RecordFailedOperation(ctx, target.ID, upload.Provider, uploadErr); err != nil {
		j.warnf("retry: health update after failure failed: %v", err)
	}

	summary, _ := j.tracker.GetHealthSummary(ctx, target.ID, upload.Provider)
	healthAt := string(summary.Status)
	if err := j.store.RecordUploadFailure(ctx, upload.ID, store.UploadFailureInput{
		Message:            uploadErr.Error(),
		ErrorType:          string(kind),
		ErrorContext:       map[string]any{"targetUserId": target.ID, "recoveryAttempt": upload.RecoveryAttempts + 1},
		HealthAtFailure:    &healthAt,
		RetryRecommendedAt: retryRecommendation(kind),
	}); err != nil {
		j.warnf("retry: failure bookkeeping failed for %s: %v", upload.ID, err)
	}

	if kind.Recoverable() {
		j.metrics.IncUploadRecovery(upload.Provider, OutcomeFailed)
		return OutcomeFailed, &RetryableError{Kind: kind, Err: uploadErr}
	}

	j.markPermanentFailure(ctx, upload, kind, uploadErr)
	j.metrics.IncUploadRecovery(upload.Provider, OutcomeFailedPermanent)
	return OutcomeFailedPermanent, uploadErr
}

// markPermanentFailure is the terminal hook: it records a permanent
// marker on the upload and tells the responsible user.
func (j *UploadRetryJob) markPermanentFailure(ctx context.Context, upload models.FileUpload, kind classify.Kind, cause error) {
	if err := j.store.RecordUploadFailure(ctx, upload.ID, store.UploadFailureInput{
		Message:   cause.Error(),
		ErrorType: string(kind),
		Details: map[string]any{
			"permanentFailure": true,
			"failedAt":         time.Now().UTC().Format(time.RFC3339Nano),
		},
	}); err != nil {
		j.warnf("retry: permanent-failure bookkeeping failed for %s: %v", upload.ID, err)
	}
	j.warnf("retry: upload %s permanently failed (%s): %v", upload.ID, kind, cause)

	if j.notifier == nil {
		return
	}
	if user, ok := j.notificationTarget(ctx, upload); ok {
		j.notifier.NotifyUploadRecoveryFailed(ctx, user, upload.Provider, upload)
	}
}

// resolveTargetUser picks whose credentials carry the retry: the
// owning company user, then the uploader, then any admin with a live
// connection.
func (j *UploadRetryJob) resolveTargetUser(ctx context.Context, upload models.FileUpload) (models.User, store.Token, error) {
	candidates := make([]string, 0, 2)
	if upload.CompanyUserID != nil && *upload.CompanyUserID != "" {
		candidates = append(candidates, *upload.CompanyUserID)
	}
	if upload.UploadedByUserID != nil && *upload.UploadedByUserID != "" {
		candidates = append(candidates, *upload.UploadedByUserID)
	}
	for _, id := range candidates {
		if user, tok, ok := j.usableConnection(ctx, id, upload.Provider); ok {
			return user, tok, nil
		}
	}

	admins, err := j.store.ListUsersByRole(ctx, models.UserRoleAdmin)
	if err != nil {
		return models.User{}, store.Token{}, err
	}
	for _, admin := range admins {
		if user, tok, ok := j.usableConnection(ctx, admin.ID, upload.Provider); ok {
			return user, tok, nil
		}
	}
	return models.User{}, store.Token{}, errors.New("no user with a usable connection for this upload")
}

func (j *UploadRetryJob) usableConnection(ctx context.Context, userID, providerName string) (models.User, store.Token, bool) {
	rec, ok, err := j.store.GetTokenRecord(ctx, userID, providerName)
	if err != nil || !ok || rec.RequiresUserIntervention {
		return models.User{}, store.Token{}, false
	}
	tok, ok, err := j.store.GetToken(ctx, userID, providerName)
	if err != nil || !ok {
		return models.User{}, store.Token{}, false
	}
	user, ok, err := j.store.GetUser(ctx, userID)
	if err != nil || !ok {
		return models.User{}, store.Token{}, false
	}
	return user, tok, true
}

func (j *UploadRetryJob) notificationTarget(ctx context.Context, upload models.FileUpload) (models.User, bool) {
	ids := make([]string, 0, 2)
	if upload.CompanyUserID != nil && *upload.CompanyUserID != "" {
		ids = append(ids, *upload.CompanyUserID)
	}
	if upload.UploadedByUserID != nil && *upload.UploadedByUserID != "" {
		ids = append(ids, *upload.UploadedByUserID)
	}
	for _, id := range ids {
		if user, ok, err := j.store.GetUser(ctx, id); err == nil && ok {
			return user, true
		}
	}
	return models.User{}, false
}

// retryRecommendation suggests when a manual retry is worthwhile.
func retryRecommendation(kind classify.Kind) *string {
	if !kind.Recoverable() {
		return nil
	}
	at := time.Now().UTC().Add(classify.BackoffFor(kind, 1)).Format(time.RFC3339Nano)
	return &at
}

func (j *UploadRetryJob) infof(format string, args ...any) {
	if j.log != nil {
		j.log.Infof(format, args...)
	}
}

func (j *UploadRetryJob) warnf(format string, args ...any) {
	if j.log != nil {
		j.log.Warnf(format, args...)
	}
}
