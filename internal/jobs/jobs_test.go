package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"drivein/internal/classify"
	"drivein/internal/db"
	"drivein/internal/health"
	"drivein/internal/models"
	"drivein/internal/notify"
	"drivein/internal/provider"
	"drivein/internal/store"
	"drivein/internal/tokens"
)

type fakeProviderClient struct {
	name    string
	fileID  string
	err     error
	uploads int
}

func (f *fakeProviderClient) Name() string { return f.name }

func (f *fakeProviderClient) Upload(context.Context, provider.Credentials, string, string) (string, error) {
	f.uploads++
	if f.err != nil {
		return "", f.err
	}
	return f.fileID, nil
}

func (f *fakeProviderClient) CheckConnection(context.Context, provider.Credentials) error {
	return f.err
}

type fakeRefresher struct {
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(context.Context, string) (provider.RefreshedToken, error) {
	f.calls++
	if f.err != nil {
		return provider.RefreshedToken{}, f.err
	}
	exp := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	return provider.RefreshedToken{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresAt: &exp}, nil
}

type recordingSender struct {
	sent []notify.Message
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

type fixture struct {
	store   *store.Store
	tracker *health.Tracker
	manager *Manager
	client  *fakeProviderClient
	ref     *fakeRefresher
	sender  *recordingSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.Open(db.Config{
		Backend:    db.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := store.New(gdb, store.Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	client := &fakeProviderClient{name: "google_drive", fileID: "drive-file-1"}
	ref := &fakeRefresher{}
	reg := provider.NewRegistry()
	reg.Register(client, ref)

	tracker := health.NewTracker(health.TrackerOptions{Store: s})
	sender := &recordingSender{}
	notifier := notify.NewDispatcher(notify.DispatcherOptions{Store: s, Sender: sender})
	coord := tokens.NewCoordinator(tokens.CoordinatorOptions{
		Store:    s,
		Registry: reg,
		Tracker:  tracker,
		Notifier: notifier,
	})
	retryJob := NewUploadRetryJob(UploadRetryJobOptions{
		Store:    s,
		Registry: reg,
		Tracker:  tracker,
		Notifier: notifier,
	})
	manager := NewManager(ManagerOptions{
		Store:       s,
		Coordinator: coord,
		RetryJob:    retryJob,
	})
	return &fixture{store: s, tracker: tracker, manager: manager, client: client, ref: ref, sender: sender}
}

func (fx *fixture) seedConnection(t *testing.T, email string, expiresIn time.Duration, role models.UserRole) models.User {
	t.Helper()
	ctx := context.Background()
	u, err := fx.store.CreateUser(ctx, store.CreateUserInput{Email: email, Name: "User", Role: role})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	exp := time.Now().UTC().Add(expiresIn).Format(time.RFC3339Nano)
	if _, err := fx.store.UpsertToken(ctx, store.UpsertTokenInput{
		UserID: u.ID, Provider: "google_drive",
		AccessToken: "at", RefreshToken: "rt", ExpiresAt: &exp,
	}); err != nil {
		t.Fatalf("upsert token: %v", err)
	}
	return u
}

func (fx *fixture) seedFailedUpload(t *testing.T, owner *models.User, kind classify.Kind) models.FileUpload {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	localPath := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(localPath, []byte("content"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	in := store.CreateUploadInput{
		Provider:  "google_drive",
		Filename:  "report.pdf",
		LocalPath: localPath,
		SizeBytes: 7,
	}
	if owner != nil {
		in.CompanyUserID = &owner.ID
	}
	up, err := fx.store.CreateUpload(ctx, in)
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if err := fx.store.RecordUploadFailure(ctx, up.ID, store.UploadFailureInput{
		Message:   "initial transfer failed",
		ErrorType: string(kind),
	}); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	up, _, err = fx.store.GetUpload(ctx, up.ID)
	if err != nil {
		t.Fatalf("reload upload: %v", err)
	}
	return up
}

// drainOne pops the next job off a lane and runs it synchronously.
func (fx *fixture) drainOne(t *testing.T, lane models.JobLane) {
	t.Helper()
	var qj queuedJob
	ch := fx.manager.maintenance
	if lane == models.JobLaneHigh {
		ch = fx.manager.high
	}
	select {
	case qj = <-ch:
	default:
		t.Fatalf("no job queued on %s lane", lane)
	}
	fx.manager.run(context.Background(), qj)
}

func TestTokenRefreshJobLifecycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	u := fx.seedConnection(t, "owner@example.com", 10*time.Minute, models.UserRoleEmployee)

	if err := fx.manager.EnqueueTokenRefresh(ctx, u.ID, "google_drive", models.JobLaneHigh, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fx.drainOne(t, models.JobLaneHigh)

	resp, err := fx.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Status != models.JobStatusSucceeded {
		t.Fatalf("job state: %+v", resp.Items)
	}

	tok, _, err := fx.store.GetToken(ctx, u.ID, "google_drive")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if tok.AccessToken != "at-new" {
		t.Fatalf("token not rotated: %+v", tok)
	}
}

func TestTokenRefreshJobEnqueueDeduplicates(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	u := fx.seedConnection(t, "owner@example.com", 10*time.Minute, models.UserRoleEmployee)

	for i := 0; i < 3; i++ {
		if err := fx.manager.EnqueueTokenRefresh(ctx, u.ID, "google_drive", models.JobLaneHigh, ""); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if got := len(fx.manager.high); got != 1 {
		t.Fatalf("queued %d jobs, want 1", got)
	}
}

func TestTokenRefreshJobRetriesTransientFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	u := fx.seedConnection(t, "owner@example.com", 10*time.Minute, models.UserRoleEmployee)

	fx.ref.err = errors.New("dial tcp: connection refused")
	if err := fx.manager.EnqueueTokenRefresh(ctx, u.ID, "google_drive", models.JobLaneHigh, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fx.drainOne(t, models.JobLaneHigh)

	resp, err := fx.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	job := resp.Items[0]
	if job.Status != models.JobStatusQueued || job.Attempt != 1 {
		t.Fatalf("transient failure should requeue: %+v", job)
	}

	// The network is back; the requeued job succeeds.
	fx.ref.err = nil
	fx.manager.run(ctx, queuedJob{id: job.ID})
	got, _, err := fx.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobStatusSucceeded {
		t.Fatalf("retried job state: %+v", got)
	}
}

func TestTokenRefreshJobInterventionKindFailsTerminally(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	u := fx.seedConnection(t, "owner@example.com", 10*time.Minute, models.UserRoleEmployee)

	fx.ref.err = errors.New("oauth error (status 400): invalid_grant: revoked")
	if err := fx.manager.EnqueueTokenRefresh(ctx, u.ID, "google_drive", models.JobLaneHigh, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fx.drainOne(t, models.JobLaneHigh)

	resp, err := fx.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	job := resp.Items[0]
	if job.Status != models.JobStatusFailed {
		t.Fatalf("job state: %+v", job)
	}
	if job.ErrorKind == nil || *job.ErrorKind != "invalid_credentials" {
		t.Fatalf("error kind: %v", job.ErrorKind)
	}
	if fx.ref.calls != 1 {
		t.Fatalf("refresher calls = %d, want 1 (no retries)", fx.ref.calls)
	}
	if len(fx.sender.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(fx.sender.sent))
	}
}

func TestUploadRecoveryJobDelivers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	owner := fx.seedConnection(t, "owner@example.com", time.Hour, models.UserRoleEmployee)
	up := fx.seedFailedUpload(t, &owner, classify.KindNetworkError)

	if _, err := fx.manager.EnqueueUploadRecovery(ctx, up.ID, models.JobLaneHigh); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fx.drainOne(t, models.JobLaneHigh)

	got, _, err := fx.store.GetUpload(ctx, up.ID)
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	if got.Status() != models.UploadStatusDelivered {
		t.Fatalf("upload not delivered: %+v", got)
	}
	if got.ProviderFileID == nil || *got.ProviderFileID != "drive-file-1" {
		t.Fatalf("provider file id: %v", got.ProviderFileID)
	}
	if got.RecoveryAttempts != 1 || got.LastProcessedAt == nil {
		t.Fatalf("dispatch bookkeeping: %+v", got)
	}
	if got.LastError != nil || got.CloudStorageErrorType != nil {
		t.Fatalf("error fields not cleared: %+v", got)
	}
	if _, statErr := os.Stat(up.LocalPath); !os.IsNotExist(statErr) {
		t.Fatal("staged file should be removed after confirmed transfer")
	}
}

func TestUploadRecoveryDeliveredGuard(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	owner := fx.seedConnection(t, "owner@example.com", time.Hour, models.UserRoleEmployee)
	up := fx.seedFailedUpload(t, &owner, classify.KindNetworkError)
	if err := fx.store.MarkUploadDelivered(ctx, up.ID, "already-there"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	retry := fx.manager.retryJob
	outcome, err := retry.Run(ctx, up.ID)
	if err != nil || outcome != OutcomeSkippedDone {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if fx.client.uploads != 0 {
		t.Fatal("delivered upload must not hit the provider")
	}
}

func TestUploadRecoveryMissingLocalFileIsPermanent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	owner := fx.seedConnection(t, "owner@example.com", time.Hour, models.UserRoleEmployee)
	up := fx.seedFailedUpload(t, &owner, classify.KindNetworkError)
	if err := os.Remove(up.LocalPath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	outcome, err := fx.manager.retryJob.Run(ctx, up.ID)
	if err == nil || outcome != OutcomeFailedPermanent {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}

	got, _, err := fx.store.GetUpload(ctx, up.ID)
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	if got.ErrorDetails == nil || got.ErrorDetails["permanentFailure"] != true {
		t.Fatalf("permanent marker missing: %+v", got.ErrorDetails)
	}
	if len(fx.sender.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(fx.sender.sent))
	}
}

func TestUploadRecoveryBudgetExhaustedStopsSilently(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	owner := fx.seedConnection(t, "owner@example.com", time.Hour, models.UserRoleEmployee)
	up := fx.seedFailedUpload(t, &owner, classify.KindNetworkError)
	for i := 0; i < recoveryAttemptsCeiling; i++ {
		if err := fx.store.BeginUploadRecovery(ctx, up.ID); err != nil {
			t.Fatalf("consume budget: %v", err)
		}
	}

	outcome, err := fx.manager.retryJob.Run(ctx, up.ID)
	if err != nil || outcome != OutcomeSkippedBudget {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if fx.client.uploads != 0 {
		t.Fatal("exhausted upload must not hit the provider")
	}
	if len(fx.sender.sent) != 0 {
		t.Fatal("silent stop must not notify")
	}
}

func TestUploadRecoveryNonRecoverableKindStops(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	owner := fx.seedConnection(t, "owner@example.com", time.Hour, models.UserRoleEmployee)
	up := fx.seedFailedUpload(t, &owner, classify.KindStorageQuotaExceeded)

	outcome, err := fx.manager.retryJob.Run(ctx, up.ID)
	if err != nil || outcome != OutcomeSkippedKind {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if fx.client.uploads != 0 {
		t.Fatal("non-recoverable upload must not hit the provider")
	}
}

func TestUploadRecoveryDefersOnUnhealthyConnection(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	owner := fx.seedConnection(t, "owner@example.com", time.Hour, models.UserRoleEmployee)
	up := fx.seedFailedUpload(t, &owner, classify.KindNetworkError)

	for i := 0; i < 5; i++ {
		if _, err := fx.tracker.RecordFailedOperation(ctx, owner.ID, "google_drive", errors.New("connection reset by peer")); err != nil {
			t.Fatalf("health: %v", err)
		}
	}

	outcome, err := fx.manager.retryJob.Run(ctx, up.ID)
	if outcome != OutcomeDeferred {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	var re *RetryableError
	if !errors.As(err, &re) {
		t.Fatalf("expected RetryableError, got %v", err)
	}
	if fx.client.uploads != 0 {
		t.Fatal("deferred upload must not hit the provider")
	}

	got, _, err := fx.store.GetUpload(ctx, up.ID)
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	if got.RecoveryAttempts != 0 {
		t.Fatal("deferral must not consume the recovery budget")
	}
}

func TestUploadRecoveryTargetUserFallback(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// The owner's connection needs intervention, so the retry should
	// fall through to an admin with a live connection.
	owner := fx.seedConnection(t, "owner@example.com", time.Hour, models.UserRoleEmployee)
	if err := fx.store.SetRequiresUserIntervention(ctx, owner.ID, "google_drive", true); err != nil {
		t.Fatalf("flag owner: %v", err)
	}
	admin, err := fx.store.CreateUser(ctx, store.CreateUserInput{Email: "admin@example.com", Name: "Admin", Role: models.UserRoleAdmin})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	exp := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	if _, err := fx.store.UpsertToken(ctx, store.UpsertTokenInput{
		UserID: admin.ID, Provider: "google_drive",
		AccessToken: "admin-at", RefreshToken: "admin-rt", ExpiresAt: &exp,
	}); err != nil {
		t.Fatalf("admin token: %v", err)
	}

	up := fx.seedFailedUpload(t, &owner, classify.KindNetworkError)
	outcome, err := fx.manager.retryJob.Run(ctx, up.ID)
	if err != nil || outcome != OutcomeDelivered {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
}

func TestRecoverAndRequeueAfterRestart(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	queued, err := fx.store.CreateJob(ctx, store.CreateJobInput{
		Type: TypeTokenRefresh, Lane: models.JobLaneHigh,
		Payload: map[string]any{"userId": "u1", "provider": "google_drive"},
	})
	if err != nil {
		t.Fatalf("create queued: %v", err)
	}
	running, err := fx.store.CreateJob(ctx, store.CreateJobInput{
		Type: TypeUploadRecovery, Lane: models.JobLaneMaintenance,
		Payload: map[string]any{"uploadId": "up1"},
	})
	if err != nil {
		t.Fatalf("create running: %v", err)
	}
	started := time.Now().UTC().Format(time.RFC3339Nano)
	if err := fx.store.UpdateJobStatus(ctx, running.ID, models.JobStatusRunning, &started, nil, nil, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := fx.manager.RecoverAndRequeue(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, _, err := fx.store.GetJob(ctx, running.ID)
	if err != nil {
		t.Fatalf("get running: %v", err)
	}
	if got.Status != models.JobStatusFailed {
		t.Fatalf("interrupted job state: %+v", got)
	}
	if len(fx.manager.high) != 1 {
		t.Fatalf("queued job not re-pushed: depth=%d", len(fx.manager.high))
	}
	got, _, err = fx.store.GetJob(ctx, queued.ID)
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	if got.Status != models.JobStatusQueued {
		t.Fatalf("queued job state: %+v", got)
	}
}

func TestJobRetryDeadlineAbandons(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedConnection(t, "owner@example.com", 10*time.Minute, models.UserRoleEmployee)

	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano)
	job, err := fx.store.CreateJob(ctx, store.CreateJobInput{
		Type: TypeTokenRefresh, Lane: models.JobLaneHigh,
		Payload:    map[string]any{"userId": "u1", "provider": "google_drive"},
		RetryUntil: &past,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fx.manager.run(ctx, queuedJob{id: job.ID})
	got, _, err := fx.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobStatusFailed || got.Error == nil {
		t.Fatalf("expired job state: %+v", got)
	}
	if fx.ref.calls != 0 {
		t.Fatal("expired job must not run")
	}
}
