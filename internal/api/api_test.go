package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"drivein/internal/config"
	"drivein/internal/db"
	"drivein/internal/health"
	"drivein/internal/jobs"
	"drivein/internal/models"
	"drivein/internal/notify"
	"drivein/internal/provider"
	"drivein/internal/store"
	"drivein/internal/tokens"
	"drivein/internal/ws"
)

type fakeClient struct{ name string }

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Upload(context.Context, provider.Credentials, string, string) (string, error) {
	return "file-1", nil
}

func (f *fakeClient) CheckConnection(context.Context, provider.Credentials) error { return nil }

type fakeRefresher struct{}

func (fakeRefresher) Refresh(context.Context, string) (provider.RefreshedToken, error) {
	exp := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	return provider.RefreshedToken{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresAt: &exp}, nil
}

func newTestServer(t *testing.T, cfg config.Config) (*store.Store, http.Handler) {
	t.Helper()
	gdb, err := db.Open(db.Config{
		Backend:    db.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	st, err := store.New(gdb, store.Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	reg := provider.NewRegistry()
	reg.Register(&fakeClient{name: "google_drive"}, fakeRefresher{})

	hub := ws.NewHub()
	tracker := health.NewTracker(health.TrackerOptions{Store: st, Events: hub})
	notifier := notify.NewDispatcher(notify.DispatcherOptions{Store: st, Sender: &notify.LogSender{}})
	coord := tokens.NewCoordinator(tokens.CoordinatorOptions{
		Store: st, Registry: reg, Tracker: tracker, Notifier: notifier,
	})
	retryJob := jobs.NewUploadRetryJob(jobs.UploadRetryJobOptions{
		Store: st, Registry: reg, Tracker: tracker, Notifier: notifier,
	})
	mgr := jobs.NewManager(jobs.ManagerOptions{
		Store: st, Hub: hub, Coordinator: coord, RetryJob: retryJob,
	})

	handler := New(Dependencies{
		Config:     cfg,
		Store:      st,
		Tracker:    tracker,
		Coord:      coord,
		Jobs:       mgr,
		Registry:   reg,
		Hub:        hub,
		ServerAddr: "127.0.0.1:0",
	})
	return st, handler
}

func doRequest(t *testing.T, handler http.Handler, method, target string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.RemoteAddr = "127.0.0.1:54321"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func seedConnectedUser(t *testing.T, st *store.Store, email string, expiresIn time.Duration) models.User {
	t.Helper()
	ctx := context.Background()
	u, err := st.CreateUser(ctx, store.CreateUserInput{Email: email, Name: "User", Role: models.UserRoleEmployee})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	exp := time.Now().UTC().Add(expiresIn).Format(time.RFC3339Nano)
	if _, err := st.UpsertToken(ctx, store.UpsertTokenInput{
		UserID: u.ID, Provider: "google_drive",
		AccessToken: "at", RefreshToken: "rt", ExpiresAt: &exp,
	}); err != nil {
		t.Fatalf("upsert token: %v", err)
	}
	return u
}

func TestHealthzAndMeta(t *testing.T) {
	_, handler := newTestServer(t, config.Config{JobConcurrency: 4})

	rec := doRequest(t, handler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/meta", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("meta status = %d", rec.Code)
	}
	meta := decodeBody[models.MetaResponse](t, rec)
	if len(meta.Providers) != 1 || meta.Providers[0] != "google_drive" {
		t.Fatalf("meta providers: %v", meta.Providers)
	}
	if meta.APITokenEnabled {
		t.Fatal("api token should be disabled")
	}
}

func TestRequireAPIToken(t *testing.T) {
	_, handler := newTestServer(t, config.Config{APIToken: "sekrit"})

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/meta", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("without token status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/meta", nil, map[string]string{"X-Api-Token": "sekrit"})
	if rec.Code != http.StatusOK {
		t.Fatalf("with token status = %d", rec.Code)
	}
}

func TestRequireLocalHostRejectsRemote(t *testing.T) {
	_, handler := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/meta", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote status = %d", rec.Code)
	}
}

func TestGetConnectionHealth(t *testing.T) {
	st, handler := newTestServer(t, config.Config{})
	u := seedConnectedUser(t, st, "owner@example.com", time.Hour)

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/users/"+u.ID+"/connections/google_drive/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	summary := decodeBody[models.HealthSummary](t, rec)
	if summary.Status != models.HealthStatusHealthy {
		t.Fatalf("status = %s", summary.Status)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/users/nope/connections/google_drive/health", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing user status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/users/"+u.ID+"/connections/dropbox/health", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider status = %d", rec.Code)
	}
}

func TestRefreshConnectionEndpoint(t *testing.T) {
	st, handler := newTestServer(t, config.Config{})
	u := seedConnectedUser(t, st, "owner@example.com", 10*time.Minute)

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/users/"+u.ID+"/connections/google_drive/refresh", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	outcome := decodeBody[models.RefreshOutcome](t, rec)
	if outcome.Result != "success" {
		t.Fatalf("result = %s (%s)", outcome.Result, outcome.Message)
	}

	// No stored credential: the coordinator reports a failure outcome.
	rec = doRequest(t, handler, http.MethodPost, "/api/v1/users/ghost/connections/google_drive/refresh", nil, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing credential status = %d", rec.Code)
	}
}

func TestListUnhealthyConnectionsEndpoint(t *testing.T) {
	st, handler := newTestServer(t, config.Config{})
	u := seedConnectedUser(t, st, "owner@example.com", time.Hour)

	tracker := health.NewTracker(health.TrackerOptions{Store: st})
	for i := 0; i < 3; i++ {
		if _, err := tracker.RecordFailedOperation(context.Background(), u.ID, "google_drive", context.DeadlineExceeded); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/connections/unhealthy?provider=google_drive", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[models.UnhealthyConnectionsResponse](t, rec)
	if len(resp.Items) != 1 || resp.Items[0].UserID != u.ID {
		t.Fatalf("items: %+v", resp.Items)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/connections/unhealthy", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing provider status = %d", rec.Code)
	}
}

func TestUploadEndpoints(t *testing.T) {
	_, handler := newTestServer(t, config.Config{})

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/uploads", createUploadRequest{
		Provider:  "google_drive",
		Filename:  "report.pdf",
		LocalPath: "/tmp/report.pdf",
		SizeBytes: 42,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeBody[models.FileUpload](t, rec)
	if created.ID == "" || created.Status() != models.UploadStatusPending {
		t.Fatalf("created: %+v", created)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/uploads?status=pending", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	list := decodeBody[models.UploadsListResponse](t, rec)
	if len(list.Items) != 1 {
		t.Fatalf("list items: %+v", list.Items)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/uploads/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decodeBody[models.FileUpload](t, rec)
	if got.ID != created.ID {
		t.Fatalf("got %q, want %q", got.ID, created.ID)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/uploads?status=bogus", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/uploads", createUploadRequest{
		Provider: "dropbox", Filename: "x", LocalPath: "/tmp/x",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider status = %d", rec.Code)
	}
}

func TestRetryUploadEndpoint(t *testing.T) {
	st, handler := newTestServer(t, config.Config{})
	ctx := context.Background()

	upload, err := st.CreateUpload(ctx, store.CreateUploadInput{
		Provider: "google_drive", Filename: "report.pdf", LocalPath: "/tmp/report.pdf",
	})
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if err := st.RecordUploadFailure(ctx, upload.ID, store.UploadFailureInput{
		Message: "network blip", ErrorType: "network_error",
	}); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/uploads/"+upload.ID+"/retry", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d body=%s", rec.Code, rec.Body.String())
	}
	job := decodeBody[models.Job](t, rec)
	if job.Type != jobs.TypeUploadRecovery || job.Status != models.JobStatusQueued {
		t.Fatalf("job: %+v", job)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/jobs/"+job.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/uploads/nope/retry", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing upload status = %d", rec.Code)
	}

	if err := st.MarkUploadDelivered(ctx, upload.ID, "file-1"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	rec = doRequest(t, handler, http.MethodPost, "/api/v1/uploads/"+upload.ID+"/retry", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("delivered retry status = %d", rec.Code)
	}
}

func TestListJobsEndpoint(t *testing.T) {
	st, handler := newTestServer(t, config.Config{})
	ctx := context.Background()

	if _, err := st.CreateJob(ctx, store.CreateJobInput{
		Type: jobs.TypeTokenRefresh, Lane: models.JobLaneHigh,
		Payload: map[string]any{"userId": "u1", "provider": "google_drive"},
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/jobs?status=queued&type="+jobs.TypeTokenRefresh, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[models.JobsListResponse](t, rec)
	if len(resp.Items) != 1 {
		t.Fatalf("items: %+v", resp.Items)
	}
}
