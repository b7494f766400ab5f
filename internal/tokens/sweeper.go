package tokens

import (
	"context"
	"time"

	"drivein/internal/logging"
	"drivein/internal/models"
	"drivein/internal/store"
)

// Enqueuer is the job-queue surface the sweeper schedules onto.
type Enqueuer interface {
	EnqueueTokenRefresh(ctx context.Context, userID, provider string, lane models.JobLane, scheduledAt string) error
}

// Sweeper periodically walks all token records, scheduling renewals
// ahead of expiry and garbage-collecting stale bookkeeping.
type Sweeper struct {
	store    *store.Store
	enqueue  Enqueuer
	log      *logging.Logger
	interval time.Duration

	immediate  time.Duration
	advance    time.Duration
	staleLock  time.Duration
	counterAge time.Duration
	healthAge  time.Duration

	now func() time.Time
}

type SweeperOptions struct {
	Store    *store.Store
	Enqueuer Enqueuer
	Log      *logging.Logger
	// Interval between sweeps. Defaults to 5m.
	Interval time.Duration
	// ImmediateWindow: expiry inside it goes to the high lane. 30m.
	ImmediateWindow time.Duration
	// AdvanceWindow: expiry inside it (but beyond the immediate
	// window) is scheduled on the maintenance lane. 24h.
	AdvanceWindow time.Duration
	// StaleLockAge: schedule stamps older than this are released,
	// provided the token has not expired. 2h.
	StaleLockAge time.Duration
	// FailureCounterAge: refresh failure streaks whose last attempt
	// is older than this are reset. 7d.
	FailureCounterAge time.Duration
	// HealthRecordAge: health records untouched for this long are
	// purged. 90d.
	HealthRecordAge time.Duration
	Now             func() time.Time
}

func NewSweeper(opts SweeperOptions) *Sweeper {
	s := &Sweeper{
		store:      opts.Store,
		enqueue:    opts.Enqueuer,
		log:        opts.Log,
		interval:   opts.Interval,
		immediate:  opts.ImmediateWindow,
		advance:    opts.AdvanceWindow,
		staleLock:  opts.StaleLockAge,
		counterAge: opts.FailureCounterAge,
		healthAge:  opts.HealthRecordAge,
		now:        opts.Now,
	}
	if s.interval <= 0 {
		s.interval = 5 * time.Minute
	}
	if s.immediate <= 0 {
		s.immediate = 30 * time.Minute
	}
	if s.advance <= 0 {
		s.advance = 24 * time.Hour
	}
	if s.staleLock <= 0 {
		s.staleLock = 2 * time.Hour
	}
	if s.counterAge <= 0 {
		s.counterAge = 7 * 24 * time.Hour
	}
	if s.healthAge <= 0 {
		s.healthAge = 90 * 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one scheduling and GC pass. Errors are logged, not
// returned: a failed pass is retried on the next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now().UTC()
	s.scheduleRenewals(ctx, now)
	s.collectGarbage(ctx, now)
}

func (s *Sweeper) scheduleRenewals(ctx context.Context, now time.Time) {
	cutoff := now.Add(s.advance).Format(time.RFC3339Nano)
	recs, err := s.store.ListTokensExpiringBefore(ctx, "", cutoff, 0)
	if err != nil {
		s.warnf("sweep: listing expiring tokens failed: %v", err)
		return
	}

	immediateCutoff := now.Add(s.immediate)
	for _, rec := range recs {
		if rec.ExpiresAt == nil {
			continue
		}
		exp, err := time.Parse(time.RFC3339Nano, *rec.ExpiresAt)
		if err != nil {
			s.warnf("sweep: skipping token with bad expiry user=%s provider=%s: %v", rec.UserID, rec.Provider, err)
			continue
		}

		if !exp.After(immediateCutoff) {
			// Near or past expiry: refresh now. The coordinator's own
			// lock deduplicates repeated enqueues across sweeps.
			if err := s.enqueue.EnqueueTokenRefresh(ctx, rec.UserID, rec.Provider, models.JobLaneHigh, ""); err != nil {
				s.warnf("sweep: high-lane enqueue failed user=%s provider=%s: %v", rec.UserID, rec.Provider, err)
			}
			continue
		}

		if rec.ProactiveRefreshScheduledAt != nil {
			continue
		}
		stamp := now.Format(time.RFC3339Nano)
		claimed, err := s.store.ScheduleProactiveRefresh(ctx, rec.UserID, rec.Provider,
			stamp, now.Add(-s.staleLock).Format(time.RFC3339Nano))
		if err != nil {
			s.warnf("sweep: schedule claim failed user=%s provider=%s: %v", rec.UserID, rec.Provider, err)
			continue
		}
		if !claimed {
			continue
		}
		if err := s.enqueue.EnqueueTokenRefresh(ctx, rec.UserID, rec.Provider, models.JobLaneMaintenance, stamp); err != nil {
			s.warnf("sweep: maintenance enqueue failed user=%s provider=%s: %v", rec.UserID, rec.Provider, err)
			// Give the lock back so the next sweep can try again.
			if cerr := s.store.ClearProactiveRefreshSchedule(ctx, rec.UserID, rec.Provider); cerr != nil {
				s.warnf("sweep: lock release failed user=%s provider=%s: %v", rec.UserID, rec.Provider, cerr)
			}
		}
	}
}

func (s *Sweeper) collectGarbage(ctx context.Context, now time.Time) {
	reset, err := s.store.ResetStaleFailureCounters(ctx, now.Add(-s.counterAge).Format(time.RFC3339Nano))
	if err != nil {
		s.warnf("sweep: failure-counter reset failed: %v", err)
	} else if reset > 0 {
		s.infof("sweep: reset %d stale failure counters", reset)
	}

	cleared, err := s.store.ClearStaleProactiveLocks(ctx,
		now.Add(-s.staleLock).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano))
	if err != nil {
		s.warnf("sweep: stale-lock cleanup failed: %v", err)
	} else if cleared > 0 {
		s.infof("sweep: released %d stale refresh locks", cleared)
	}

	orphans, err := s.store.DeleteOrphanHealthRecords(ctx)
	if err != nil {
		s.warnf("sweep: orphan health cleanup failed: %v", err)
	} else if orphans > 0 {
		s.infof("sweep: purged %d orphaned health records", orphans)
	}

	old, err := s.store.DeleteHealthRecordsBefore(ctx, now.Add(-s.healthAge).Format(time.RFC3339Nano))
	if err != nil {
		s.warnf("sweep: old health cleanup failed: %v", err)
	} else if old > 0 {
		s.infof("sweep: purged %d inactive health records", old)
	}
}

func (s *Sweeper) infof(format string, args ...any) {
	if s.log != nil {
		s.log.Infof(format, args...)
	}
}

func (s *Sweeper) warnf(format string, args ...any) {
	if s.log != nil {
		s.log.Warnf(format, args...)
	}
}
