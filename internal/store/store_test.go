package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"drivein/internal/db"
	"drivein/internal/models"
)

func newTestStore(t *testing.T, encryptionKey string) *Store {
	t.Helper()
	gdb, err := db.Open(db.Config{
		Backend:    db.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := New(gdb, Options{EncryptionKey: encryptionKey})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func seedUser(t *testing.T, s *Store, email string, role models.UserRole) models.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), CreateUserInput{Email: email, Name: "Test", Role: role})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func strPtr(v string) *string { return &v }

func TestTokenRoundTripEncrypted(t *testing.T) {
	// 32 zero bytes, base64.
	s := newTestStore(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	ctx := context.Background()
	u := seedUser(t, s, "owner@example.com", models.UserRoleEmployee)

	expires := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	if _, err := s.UpsertToken(ctx, UpsertTokenInput{
		UserID:       u.ID,
		Provider:     "google_drive",
		AccessToken:  "access-secret",
		RefreshToken: "refresh-secret",
		ExpiresAt:    &expires,
	}); err != nil {
		t.Fatalf("upsert token: %v", err)
	}

	tok, ok, err := s.GetToken(ctx, u.ID, "google_drive")
	if err != nil || !ok {
		t.Fatalf("get token: ok=%v err=%v", ok, err)
	}
	if tok.AccessToken != "access-secret" || tok.RefreshToken != "refresh-secret" {
		t.Fatalf("credentials did not round-trip: %+v", tok)
	}

	// The raw row must not contain the plaintext.
	var raw tokenRow
	if err := s.db.Where("user_id = ?", u.ID).Take(&raw).Error; err != nil {
		t.Fatalf("read raw row: %v", err)
	}
	if raw.AccessToken == "access-secret" || raw.RefreshToken == "refresh-secret" {
		t.Fatal("credentials stored in plaintext despite encryption key")
	}
}

func TestGetTokenWithoutKeyRejectsEncryptedRows(t *testing.T) {
	key := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	enc := newTestStore(t, key)
	ctx := context.Background()
	u := seedUser(t, enc, "owner@example.com", models.UserRoleEmployee)
	if _, err := enc.UpsertToken(ctx, UpsertTokenInput{
		UserID: u.ID, Provider: "dropbox", AccessToken: "a", RefreshToken: "r",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Same database, no key configured.
	plain := &Store{db: enc.db}
	if _, _, err := plain.GetToken(ctx, u.ID, "dropbox"); err != ErrEncryptedCredentials {
		t.Fatalf("expected ErrEncryptedCredentials, got %v", err)
	}
}

func TestUpsertTokenResetsInterventionState(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	u := seedUser(t, s, "owner@example.com", models.UserRoleEmployee)

	if _, err := s.UpsertToken(ctx, UpsertTokenInput{
		UserID: u.ID, Provider: "google_drive", AccessToken: "a1", RefreshToken: "r1",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.IncrementRefreshFailure(ctx, u.ID, "google_drive"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if err := s.SetRequiresUserIntervention(ctx, u.ID, "google_drive", true); err != nil {
		t.Fatalf("flag: %v", err)
	}

	rec, err := s.UpsertToken(ctx, UpsertTokenInput{
		UserID: u.ID, Provider: "google_drive", AccessToken: "a2", RefreshToken: "r2",
	})
	if err != nil {
		t.Fatalf("reconnect upsert: %v", err)
	}
	if rec.RefreshFailureCount != 0 || rec.RequiresUserIntervention {
		t.Fatalf("reconnect did not reset failure state: %+v", rec)
	}
}

func TestScheduleProactiveRefreshIsExclusive(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	u := seedUser(t, s, "owner@example.com", models.UserRoleEmployee)
	if _, err := s.UpsertToken(ctx, UpsertTokenInput{
		UserID: u.ID, Provider: "google_drive", AccessToken: "a", RefreshToken: "r",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	now := time.Now().UTC()
	at := now.Format(time.RFC3339Nano)
	staleBefore := now.Add(-2 * time.Hour).Format(time.RFC3339Nano)

	won, err := s.ScheduleProactiveRefresh(ctx, u.ID, "google_drive", at, staleBefore)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = s.ScheduleProactiveRefresh(ctx, u.ID, "google_drive", at, staleBefore)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Fatal("second claim should lose while the slot is held")
	}

	if err := s.ClearProactiveRefreshSchedule(ctx, u.ID, "google_drive"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	won, err = s.ScheduleProactiveRefresh(ctx, u.ID, "google_drive", at, staleBefore)
	if err != nil || !won {
		t.Fatalf("claim after clear: won=%v err=%v", won, err)
	}
}

func TestClearStaleProactiveLocksSkipsExpiredTokens(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	valid := seedUser(t, s, "valid@example.com", models.UserRoleEmployee)
	expired := seedUser(t, s, "expired@example.com", models.UserRoleEmployee)

	now := time.Now().UTC()
	future := now.Add(3 * time.Hour).Format(time.RFC3339Nano)
	past := now.Add(-time.Hour).Format(time.RFC3339Nano)
	staleAt := now.Add(-3 * time.Hour).Format(time.RFC3339Nano)

	for _, tc := range []struct {
		user    models.User
		expires string
	}{
		{valid, future},
		{expired, past},
	} {
		exp := tc.expires
		if _, err := s.UpsertToken(ctx, UpsertTokenInput{
			UserID: tc.user.ID, Provider: "google_drive",
			AccessToken: "a", RefreshToken: "r", ExpiresAt: &exp,
		}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if _, err := s.ScheduleProactiveRefresh(ctx, tc.user.ID, "google_drive", staleAt, now.Format(time.RFC3339Nano)); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	cleared, err := s.ClearStaleProactiveLocks(ctx,
		now.Add(-2*time.Hour).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("clear stale: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared lock, got %d", cleared)
	}

	rec, _, err := s.GetTokenRecord(ctx, expired.ID, "google_drive")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.ProactiveRefreshScheduledAt == nil {
		t.Fatal("expired token's lock should be left in place")
	}
}

func TestRecordRefreshSuccessResetsCounters(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	u := seedUser(t, s, "owner@example.com", models.UserRoleEmployee)
	if _, err := s.UpsertToken(ctx, UpsertTokenInput{
		UserID: u.ID, Provider: "google_drive", AccessToken: "old", RefreshToken: "r1",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.IncrementRefreshFailure(ctx, u.ID, "google_drive"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	expires := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	if err := s.RecordRefreshSuccess(ctx, u.ID, "google_drive", "new-access", "", &expires); err != nil {
		t.Fatalf("record success: %v", err)
	}

	tok, _, err := s.GetToken(ctx, u.ID, "google_drive")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Fatalf("access token not updated: %q", tok.AccessToken)
	}
	if tok.RefreshToken != "r1" {
		t.Fatalf("refresh token should be kept when provider does not rotate: %q", tok.RefreshToken)
	}

	rec, _, err := s.GetTokenRecord(ctx, u.ID, "google_drive")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.RefreshFailureCount != 0 || rec.ProactiveRefreshScheduledAt != nil || rec.LastSuccessfulRefreshAt == nil {
		t.Fatalf("success did not reset state: %+v", rec)
	}
}

func TestUploadStatusFilters(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	pending, err := s.CreateUpload(ctx, CreateUploadInput{Provider: "google_drive", Filename: "a.pdf", LocalPath: "/tmp/a.pdf"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	delivered, err := s.CreateUpload(ctx, CreateUploadInput{Provider: "google_drive", Filename: "b.pdf", LocalPath: "/tmp/b.pdf"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	failed, err := s.CreateUpload(ctx, CreateUploadInput{Provider: "google_drive", Filename: "c.pdf", LocalPath: "/tmp/c.pdf"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.MarkUploadDelivered(ctx, delivered.ID, "file-123"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := s.RecordUploadFailure(ctx, failed.ID, UploadFailureInput{
		Message:   "connection reset by peer",
		ErrorType: "network_error",
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	for _, tc := range []struct {
		status models.UploadStatus
		wantID string
	}{
		{models.UploadStatusPending, pending.ID},
		{models.UploadStatusDelivered, delivered.ID},
		{models.UploadStatusFailed, failed.ID},
	} {
		st := tc.status
		resp, err := s.ListUploads(ctx, UploadFilter{Status: &st})
		if err != nil {
			t.Fatalf("list %s: %v", st, err)
		}
		if len(resp.Items) != 1 || resp.Items[0].ID != tc.wantID {
			t.Fatalf("list %s: got %d items (want %s)", st, len(resp.Items), tc.wantID)
		}
		if got := resp.Items[0].Status(); got != st {
			t.Fatalf("derived status = %s, want %s", got, st)
		}
	}
}

func TestListRecoverableUploadsRespectsBudget(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	up, err := s.CreateUpload(ctx, CreateUploadInput{Provider: "google_drive", Filename: "a.pdf", LocalPath: "/tmp/a.pdf"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RecordUploadFailure(ctx, up.ID, UploadFailureInput{
		Message: "dial tcp: i/o timeout", ErrorType: "network_error",
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := s.ListRecoverableUploads(ctx, []string{"network_error"}, 3, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 recoverable upload, got %d", len(got))
	}

	for i := 0; i < 3; i++ {
		if err := s.BeginUploadRecovery(ctx, up.ID); err != nil {
			t.Fatalf("begin recovery: %v", err)
		}
	}
	got, err = s.ListRecoverableUploads(ctx, []string{"network_error"}, 3, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("exhausted upload should not be recoverable, got %d", len(got))
	}

	// Non-matching error kinds are excluded.
	got, err = s.ListRecoverableUploads(ctx, []string{"timeout"}, 10, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("kind filter leaked: got %d", len(got))
	}
}

func TestJobRequeueAndRecovery(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	until := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	job, err := s.CreateJob(ctx, CreateJobInput{
		Type:       "token_refresh",
		Lane:       models.JobLaneHigh,
		Payload:    map[string]any{"userId": "u1", "provider": "google_drive"},
		RetryUntil: &until,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	started := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, &started, nil, nil, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RequeueJob(ctx, job.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	got, ok, err := s.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != models.JobStatusQueued || got.Attempt != 1 {
		t.Fatalf("requeue state wrong: status=%s attempt=%d", got.Status, got.Attempt)
	}
	if got.RetryUntil == nil || *got.RetryUntil != until {
		t.Fatal("retry deadline lost on requeue")
	}

	if err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, &started, nil, nil, nil); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := s.MarkRunningJobsFailed(ctx, "server restarted"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _, err = s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobStatusFailed || got.Error == nil {
		t.Fatalf("restart recovery state wrong: %+v", got)
	}
}

func TestHealthRecordUpsertAndGC(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	u := seedUser(t, s, "owner@example.com", models.UserRoleEmployee)

	rec := models.HealthRecord{
		UserID:              u.ID,
		Provider:            "google_drive",
		Status:              models.HealthStatusDegraded,
		ConsecutiveFailures: 2,
		LastErrorMessage:    strPtr("503 service unavailable"),
		LastErrorType:       strPtr("service_unavailable"),
	}
	if err := s.SaveHealthRecord(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.Status = models.HealthStatusHealthy
	rec.ConsecutiveFailures = 0
	if err := s.SaveHealthRecord(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, ok, err := s.GetHealthRecord(ctx, u.ID, "google_drive")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != models.HealthStatusHealthy || got.ConsecutiveFailures != 0 {
		t.Fatalf("upsert did not replace: %+v", got)
	}

	// No token row exists for this pair, so the orphan sweep removes it.
	removed, err := s.DeleteOrphanHealthRecords(ctx)
	if err != nil {
		t.Fatalf("orphan sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 orphan removed, got %d", removed)
	}
}
