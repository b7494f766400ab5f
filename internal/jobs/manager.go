package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"drivein/internal/classify"
	"drivein/internal/logging"
	"drivein/internal/metrics"
	"drivein/internal/models"
	"drivein/internal/store"
	"drivein/internal/tokens"
	"drivein/internal/ws"
)

const (
	TypeTokenRefresh   = "token_refresh"
	TypeUploadRecovery = "upload_recovery"
)

const (
	laneCapacity       = 1024
	finishedJobMaxAge  = 24 * time.Hour
	defaultRetryBudget = time.Hour
)

var ErrQueueFull = errors.New("job queue is full")

type queuedJob struct {
	id string
}

// Manager runs persisted jobs on two channel lanes. Workers drain the
// high lane before touching maintenance work.
type Manager struct {
	store    *store.Store
	log      *logging.Logger
	metrics  *metrics.Metrics
	hub      *ws.Hub
	coord    *tokens.Coordinator
	retryJob *UploadRetryJob

	high        chan queuedJob
	maintenance chan queuedJob

	concurrency int
	retryBudget time.Duration

	mu       sync.Mutex
	inflight map[string]string // dedup key -> job id

	wg sync.WaitGroup
}

type ManagerOptions struct {
	Store       *store.Store
	Log         *logging.Logger
	Metrics     *metrics.Metrics
	Hub         *ws.Hub
	Coordinator *tokens.Coordinator
	RetryJob    *UploadRetryJob
	// Concurrency is the worker count. Defaults to 4.
	Concurrency int
	// RetryBudget is the wall-clock deadline attached to new jobs.
	// Defaults to 1h.
	RetryBudget time.Duration
}

func NewManager(opts ManagerOptions) *Manager {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	budget := opts.RetryBudget
	if budget <= 0 {
		budget = defaultRetryBudget
	}
	return &Manager{
		store:       opts.Store,
		log:         opts.Log,
		metrics:     opts.Metrics,
		hub:         opts.Hub,
		coord:       opts.Coordinator,
		retryJob:    opts.RetryJob,
		high:        make(chan queuedJob, laneCapacity),
		maintenance: make(chan queuedJob, laneCapacity),
		concurrency: concurrency,
		retryBudget: budget,
		inflight:    make(map[string]string),
	}
}

// Start launches the worker pool. Workers stop when ctx ends; Wait
// blocks until they have drained.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.concurrency; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.worker(ctx)
		}()
	}
}

func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) worker(ctx context.Context) {
	for {
		// Prefer the high lane without starving shutdown.
		select {
		case <-ctx.Done():
			return
		case j := <-m.high:
			m.run(ctx, j)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case j := <-m.high:
			m.run(ctx, j)
		case j := <-m.maintenance:
			m.run(ctx, j)
		}
	}
}

// EnqueueTokenRefresh persists and queues a refresh job. Duplicate
// (user, provider) refreshes already in flight are dropped.
func (m *Manager) EnqueueTokenRefresh(ctx context.Context, userID, provider string, lane models.JobLane, scheduledAt string) error {
	key := TypeTokenRefresh + "/" + userID + "/" + provider
	payload := map[string]any{
		"userId":   userID,
		"provider": provider,
	}
	if scheduledAt != "" {
		payload["scheduledAt"] = scheduledAt
	}
	_, err := m.enqueue(ctx, TypeTokenRefresh, lane, key, payload)
	return err
}

// EnqueueUploadRecovery queues a retry for a previously failed upload.
func (m *Manager) EnqueueUploadRecovery(ctx context.Context, uploadID string, lane models.JobLane) (models.Job, error) {
	key := TypeUploadRecovery + "/" + uploadID
	return m.enqueue(ctx, TypeUploadRecovery, lane, key, map[string]any{
		"uploadId": uploadID,
	})
}

func (m *Manager) enqueue(ctx context.Context, jobType string, lane models.JobLane, dedupKey string, payload map[string]any) (models.Job, error) {
	m.mu.Lock()
	if id, dup := m.inflight[dedupKey]; dup {
		m.mu.Unlock()
		job, ok, err := m.store.GetJob(ctx, id)
		if err == nil && ok {
			return job, nil
		}
		// Stale entry; fall through and enqueue fresh.
		m.mu.Lock()
		delete(m.inflight, dedupKey)
	}
	m.mu.Unlock()

	until := time.Now().UTC().Add(m.retryBudget).Format(time.RFC3339Nano)
	job, err := m.store.CreateJob(ctx, store.CreateJobInput{
		Type:       jobType,
		Lane:       lane,
		Payload:    payload,
		RetryUntil: &until,
	})
	if err != nil {
		return models.Job{}, err
	}

	m.mu.Lock()
	m.inflight[dedupKey] = job.ID
	m.mu.Unlock()

	if err := m.push(lane, queuedJob{id: job.ID}); err != nil {
		m.clearInflight(job.ID)
		now := time.Now().UTC().Format(time.RFC3339Nano)
		msg := err.Error()
		_ = m.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, nil, &now, &msg, nil)
		return models.Job{}, err
	}
	m.publishDepth()
	return job, nil
}

func (m *Manager) push(lane models.JobLane, j queuedJob) error {
	switch lane {
	case models.JobLaneHigh:
		select {
		case m.high <- j:
			return nil
		default:
			return ErrQueueFull
		}
	default:
		select {
		case m.maintenance <- j:
			return nil
		default:
			return ErrQueueFull
		}
	}
}

func (m *Manager) run(ctx context.Context, qj queuedJob) {
	defer m.publishDepth()

	job, ok, err := m.store.GetJob(ctx, qj.id)
	if err != nil {
		m.warnf("jobs: load %s failed: %v", qj.id, err)
		return
	}
	if !ok || job.Status != models.JobStatusQueued {
		return
	}

	if job.RetryUntil != nil {
		if deadline, perr := time.Parse(time.RFC3339Nano, *job.RetryUntil); perr == nil && time.Now().UTC().After(deadline) {
			m.finalize(ctx, job, models.JobStatusFailed, errors.New("retry deadline exceeded"), classify.KindTimeout)
			return
		}
	}

	started := time.Now().UTC()
	startedStr := started.Format(time.RFC3339Nano)
	if err := m.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, &startedStr, nil, nil, nil); err != nil {
		m.warnf("jobs: start %s failed: %v", job.ID, err)
		return
	}
	m.metrics.IncJobsStarted(job.Type)

	var (
		runErr  error
		kind    classify.Kind
		retry   bool
		outcome = models.JobStatusSucceeded
	)
	switch job.Type {
	case TypeTokenRefresh:
		runErr, kind, retry = m.runTokenRefresh(ctx, job)
	case TypeUploadRecovery:
		runErr, kind, retry = m.runUploadRecovery(ctx, job)
	default:
		runErr = fmt.Errorf("unknown job type %q", job.Type)
		kind = classify.KindUnknown
	}

	if runErr == nil {
		m.finalize(ctx, job, outcome, nil, "")
		m.metrics.ObserveJobsDuration(job.Type, string(outcome), nil, time.Since(started))
		return
	}

	if retry && m.shouldRetry(job, kind) {
		m.requeueAfterBackoff(ctx, job, kind)
		return
	}

	m.finalize(ctx, job, models.JobStatusFailed, runErr, kind)
	kindStr := string(kind)
	m.metrics.ObserveJobsDuration(job.Type, string(models.JobStatusFailed), &kindStr, time.Since(started))
}

func (m *Manager) runTokenRefresh(ctx context.Context, job models.Job) (error, classify.Kind, bool) {
	userID := payloadString(job.Payload, "userId")
	provider := payloadString(job.Payload, "provider")
	scheduledAt := payloadString(job.Payload, "scheduledAt")
	if userID == "" || provider == "" {
		return errors.New("malformed token_refresh payload"), classify.KindUnknown, false
	}

	var res tokens.RefreshResult
	if scheduledAt != "" {
		res = m.coord.RunScheduledRefresh(ctx, userID, provider, scheduledAt)
	} else {
		res = m.coord.CoordinateRefresh(ctx, userID, provider)
	}

	switch res.Type {
	case tokens.ResultSuccess, tokens.ResultAlreadyValid:
		if res.Type == tokens.ResultSuccess {
			m.publish(ws.Event{
				Type:     ws.EventTokenRefreshed,
				UserID:   userID,
				Provider: provider,
				JobID:    job.ID,
				Payload:  map[string]any{"expiresAt": res.ExpiresAt},
			})
		}
		return nil, "", false
	default:
		return res.Err, res.ErrorKind, res.Retryable()
	}
}

func (m *Manager) runUploadRecovery(ctx context.Context, job models.Job) (error, classify.Kind, bool) {
	uploadID := payloadString(job.Payload, "uploadId")
	if uploadID == "" {
		return errors.New("malformed upload_recovery payload"), classify.KindUnknown, false
	}

	outcome, err := m.retryJob.Run(ctx, uploadID)
	m.publish(ws.Event{
		Type:    ws.EventUploadRetry,
		JobID:   job.ID,
		Payload: map[string]any{"uploadId": uploadID, "outcome": outcome},
	})

	if err == nil {
		return nil, "", false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return re, re.Kind, true
	}
	return err, classify.Classify(err), false
}

// shouldRetry consults the per-kind policy table and the job's
// wall-clock deadline.
func (m *Manager) shouldRetry(job models.Job, kind classify.Kind) bool {
	policy := classify.PolicyFor(kind)
	// Attempt is zero-based in the row; this failure was attempt+1.
	if job.Attempt+1 >= policy.MaxAttempts {
		return false
	}
	if job.RetryUntil != nil {
		if deadline, err := time.Parse(time.RFC3339Nano, *job.RetryUntil); err == nil && time.Now().UTC().After(deadline) {
			return false
		}
	}
	return true
}

func (m *Manager) requeueAfterBackoff(ctx context.Context, job models.Job, kind classify.Kind) {
	if err := m.store.RequeueJob(ctx, job.ID); err != nil {
		m.warnf("jobs: requeue %s failed: %v", job.ID, err)
		m.finalize(ctx, job, models.JobStatusFailed, err, kind)
		return
	}
	m.metrics.IncJobsRetried(job.Type)

	delay := classify.BackoffFor(kind, job.Attempt+1)
	m.infof("jobs: %s %s attempt %d failed (%s), retrying in %s", job.Type, job.ID, job.Attempt+1, kind, delay)
	time.AfterFunc(delay, func() {
		if err := m.push(job.Lane, queuedJob{id: job.ID}); err != nil {
			m.warnf("jobs: re-push %s failed: %v", job.ID, err)
		}
		m.publishDepth()
	})
}

func (m *Manager) finalize(ctx context.Context, job models.Job, status models.JobStatus, runErr error, kind classify.Kind) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var errMsg, errKind *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	if kind != "" {
		k := string(kind)
		errKind = &k
	}
	if err := m.store.UpdateJobStatus(ctx, job.ID, status, nil, &now, errMsg, errKind); err != nil {
		m.warnf("jobs: finalize %s failed: %v", job.ID, err)
	}
	m.clearInflight(job.ID)
	m.metrics.IncJobsCompleted(job.Type, string(status), errKind)

	m.publish(ws.Event{
		Type:  ws.EventJobUpdated,
		JobID: job.ID,
		Payload: map[string]any{
			"type":      job.Type,
			"status":    status,
			"error":     errMsg,
			"errorKind": errKind,
		},
	})
}

func (m *Manager) clearInflight(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, id := range m.inflight {
		if id == jobID {
			delete(m.inflight, key)
			return
		}
	}
}

// RecoverAndRequeue restores queue state after a restart: running jobs
// are marked failed (their work may or may not have happened; the
// idempotent coordinator and delivered guard make re-running safe) and
// queued jobs are pushed back onto their lanes.
func (m *Manager) RecoverAndRequeue(ctx context.Context) error {
	if err := m.store.MarkRunningJobsFailed(ctx, "server restarted while job was running"); err != nil {
		return err
	}

	ids, err := m.store.ListJobIDsByStatus(ctx, models.JobStatusQueued)
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, ok, err := m.store.GetJob(ctx, id)
		if err != nil || !ok {
			continue
		}
		if err := m.push(job.Lane, queuedJob{id: id}); err != nil {
			m.warnf("jobs: recover push %s failed: %v", id, err)
		}
	}
	if len(ids) > 0 {
		m.infof("jobs: requeued %d jobs after restart", len(ids))
	}
	m.publishDepth()
	return nil
}

// RunMaintenance prunes finished jobs on a ticker until ctx ends.
func (m *Manager) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-finishedJobMaxAge).Format(time.RFC3339Nano)
			ids, err := m.store.DeleteFinishedJobsBefore(ctx, cutoff, 500)
			if err != nil {
				m.warnf("jobs: maintenance prune failed: %v", err)
				continue
			}
			if len(ids) > 0 {
				m.infof("jobs: pruned %d finished jobs", len(ids))
			}
			m.publishDepth()
		}
	}
}

func (m *Manager) publishDepth() {
	m.metrics.SetJobsQueueDepth(string(models.JobLaneHigh), len(m.high))
	m.metrics.SetJobsQueueDepth(string(models.JobLaneMaintenance), len(m.maintenance))
}

func (m *Manager) publish(evt ws.Event) {
	if m.hub != nil {
		m.hub.Publish(evt)
	}
}

func (m *Manager) infof(format string, args ...any) {
	if m.log != nil {
		m.log.Infof(format, args...)
	}
}

func (m *Manager) warnf(format string, args ...any) {
	if m.log != nil {
		m.log.Warnf(format, args...)
	}
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, _ := payload[key].(string)
	return strings.TrimSpace(v)
}
