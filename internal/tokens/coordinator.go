package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

// A refresh-failure streak at or past this ceiling stops automatic
// retries until the user reconnects.
const interventionCeiling = 5

type ResultType string

const (
	ResultSuccess      ResultType = "success"
	ResultAlreadyValid ResultType = "already_valid"
	ResultFailure      ResultType = "failure"
)

// RefreshResult is the tagged outcome of a coordinated refresh.
type RefreshResult struct {
	Type      ResultType
	Message   string
	ErrorKind classify.Kind
	Err       error
	ExpiresAt *string
}

// Retryable reports whether the queue should attempt this refresh
// again. Intervention kinds never retry.
func (r RefreshResult) Retryable() bool {
	if r.Type != ResultFailure {
		return false
	}
	return r.ErrorKind.Recoverable() && !r.ErrorKind.RequiresUserIntervention()
}

func (r RefreshResult) Outcome() models.RefreshOutcome {
	out := models.RefreshOutcome{
		Result:    string(r.Type),
		Message:   r.Message,
		ExpiresAt: r.ExpiresAt,
	}
	if r.Type == ResultFailure {
		kind := string(r.ErrorKind)
		out.ErrorKind = &kind
	}
	return out
}

// Coordinator serializes token refreshes per (user, provider). Within
// the process a per-key mutex provides strict mutual exclusion; across
// processes the persisted schedule timestamp acts as an advisory lock.
type Coordinator struct {
	store     *store.Store
	registry  *provider.Registry
	tracker   *health.Tracker
	notifier  *notify.Dispatcher
	log       *logging.Logger
	metrics   *metrics.Metrics
	immediate time.Duration
	staleLock time.Duration
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type CoordinatorOptions struct {
	Store    *store.Store
	Registry *provider.Registry
	Tracker  *health.Tracker
	Notifier *notify.Dispatcher
	Log      *logging.Logger
	Metrics  *metrics.Metrics
	// ImmediateWindow is how close to expiry a token must be before a
	// refresh is actually performed. Defaults to 30m.
	ImmediateWindow time.Duration
	// StaleLockAge is how old a schedule stamp must be before another
	// caller may steal it. Defaults to 2h.
	StaleLockAge time.Duration
	Now          func() time.Time
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	immediate := opts.ImmediateWindow
	if immediate <= 0 {
		immediate = 30 * time.Minute
	}
	stale := opts.StaleLockAge
	if stale <= 0 {
		stale = 2 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:     opts.Store,
		registry:  opts.Registry,
		tracker:   opts.Tracker,
		notifier:  opts.Notifier,
		log:       opts.Log,
		metrics:   opts.Metrics,
		immediate: immediate,
		staleLock: stale,
		now:       now,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) keyLock(userID, provider string) *sync.Mutex {
	key := userID + "/" + provider
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// CoordinateRefresh refreshes the credential pair if it is near
// expiry. Callers arriving while a refresh is in flight get
// AlreadyValid once it completes (same process) or immediately
// (advisory lock held elsewhere).
func (c *Coordinator) CoordinateRefresh(ctx context.Context, userID, providerName string) RefreshResult {
	return c.coordinate(ctx, userID, providerName, nil, "manual")
}

// RunScheduledRefresh is the job-queue entry point for refreshes the
// sweeper scheduled in advance. The scheduledAt stamp proves this
// caller owns the advisory lock, so it is not re-claimed.
func (c *Coordinator) RunScheduledRefresh(ctx context.Context, userID, providerName, scheduledAt string) RefreshResult {
	var owned *string
	if scheduledAt != "" {
		owned = &scheduledAt
	}
	return c.coordinate(ctx, userID, providerName, owned, "scheduled")
}

func (c *Coordinator) coordinate(ctx context.Context, userID, providerName string, ownedStamp *string, trigger string) RefreshResult {
	lock := c.keyLock(userID, providerName)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := c.store.GetTokenRecord(ctx, userID, providerName)
	if err != nil {
		return c.failStorage(providerName, err)
	}
	if !ok {
		return RefreshResult{
			Type:      ResultFailure,
			ErrorKind: classify.KindInvalidCredentials,
			Err:       errors.New("no stored credentials"),
			Message:   fmt.Sprintf("no %s connection exists for this user", providerName),
		}
	}
	if rec.RequiresUserIntervention {
		return RefreshResult{
			Type:      ResultFailure,
			ErrorKind: classify.KindInvalidCredentials,
			Err:       errors.New("connection requires user intervention"),
			Message:   "automatic refresh is stopped until the user reconnects",
		}
	}

	now := c.now().UTC()
	if rec.ExpiresAt != nil && !c.nearExpiry(*rec.ExpiresAt, now) {
		return RefreshResult{
			Type:      ResultAlreadyValid,
			Message:   "token is not near expiry",
			ExpiresAt: rec.ExpiresAt,
		}
	}
	if rec.ExpiresAt == nil {
		// Non-expiring credentials (e.g. static keys) never need a
		// refresh round trip.
		return RefreshResult{Type: ResultAlreadyValid, Message: "credentials do not expire"}
	}

	if ownedStamp == nil {
		claimed, err := c.store.ScheduleProactiveRefresh(ctx, userID, providerName,
			now.Format(time.RFC3339Nano),
			now.Add(-c.staleLock).Format(time.RFC3339Nano))
		if err != nil {
			return c.failStorage(providerName, err)
		}
		if !claimed {
			return RefreshResult{
				Type:    ResultAlreadyValid,
				Message: "a refresh is already in flight for this connection",
			}
		}
	} else if rec.ProactiveRefreshScheduledAt == nil || *rec.ProactiveRefreshScheduledAt != *ownedStamp {
		// The stamp this job was scheduled under is gone: another
		// refresh already resolved the token.
		return RefreshResult{
			Type:      ResultAlreadyValid,
			Message:   "scheduled refresh superseded",
			ExpiresAt: rec.ExpiresAt,
		}
	}

	c.metrics.IncRefreshAttempt(providerName, trigger)
	return c.performRefresh(ctx, userID, providerName, trigger)
}

func (c *Coordinator) performRefresh(ctx context.Context, userID, providerName, trigger string) RefreshResult {
	if err := c.store.RecordRefreshAttempt(ctx, userID, providerName); err != nil {
		return c.failStorage(providerName, err)
	}

	tok, ok, err := c.store.GetToken(ctx, userID, providerName)
	if err != nil || !ok {
		if err == nil {
			err = errors.New("credentials disappeared mid-refresh")
		}
		return c.failStorage(providerName, err)
	}

	refresher, err := c.registry.Refresher(providerName)
	if err != nil {
		res := c.handleRefreshFailure(ctx, userID, providerName, err, trigger)
		return res
	}

	renewed, err := refresher.Refresh(ctx, tok.RefreshToken)
	if err != nil {
		return c.handleRefreshFailure(ctx, userID, providerName, err, trigger)
	}

	if err := c.store.RecordRefreshSuccess(ctx, userID, providerName, renewed.AccessToken, renewed.RefreshToken, renewed.ExpiresAt); err != nil {
		return c.failStorage(providerName, err)
	}
	if c.tracker != nil {
		if err := c.tracker.RecordSuccessfulOperation(ctx, userID, providerName, nil); err != nil {
			c.warnf("tokens: health update after refresh failed user=%s provider=%s: %v", userID, providerName, err)
		}
		if err := c.tracker.UpdateTokenExpiration(ctx, userID, providerName, renewed.ExpiresAt); err != nil {
			c.warnf("tokens: expiry mirror failed user=%s provider=%s: %v", userID, providerName, err)
		}
	}

	c.metrics.IncRefreshResult(providerName, string(ResultSuccess), nil)
	c.infof("tokens: refreshed user=%s provider=%s trigger=%s", userID, providerName, trigger)
	return RefreshResult{
		Type:      ResultSuccess,
		Message:   "credentials refreshed",
		ExpiresAt: renewed.ExpiresAt,
	}
}

// handleRefreshFailure classifies the error, advances the failure
// state and decides whether the user must be told.
func (c *Coordinator) handleRefreshFailure(ctx context.Context, userID, providerName string, refreshErr error, trigger string) RefreshResult {
	kind := classify.Classify(refreshErr)

	count, err := c.store.IncrementRefreshFailure(ctx, userID, providerName)
	if err != nil {
		c.warnf("tokens: failure counter update failed user=%s provider=%s: %v", userID, providerName, err)
	}

	intervention := kind.RequiresUserIntervention() || count >= interventionCeiling
	if intervention {
		if err := c.store.SetRequiresUserIntervention(ctx, userID, providerName, true); err != nil {
			c.warnf("tokens: intervention flag update failed user=%s provider=%s: %v", userID, providerName, err)
		}
	} else {
		// Release the slot so the next attempt is not starved until
		// the stale-lock sweep.
		if err := c.store.ClearProactiveRefreshSchedule(ctx, userID, providerName); err != nil {
			c.warnf("tokens: lock release failed user=%s provider=%s: %v", userID, providerName, err)
		}
	}

	var healthRec models.HealthRecord
	if c.tracker != nil {
		if healthRec, err = c.tracker.RecordFailedOperation(ctx, userID, providerName, refreshErr); err != nil {
			c.warnf("tokens: health update failed user=%s provider=%s: %v", userID, providerName, err)
		}
	}

	if c.notifier != nil && (intervention || healthRec.Status == models.HealthStatusUnhealthy) {
		if user, ok, uerr := c.store.GetUser(ctx, userID); uerr == nil && ok {
			c.notifier.NotifyConnectionIssue(ctx, user, providerName, kind, count, refreshErr.Error())
		}
	}

	kindStr := string(kind)
	c.metrics.IncRefreshResult(providerName, string(ResultFailure), &kindStr)
	c.warnAt(kind, "tokens: refresh failed user=%s provider=%s trigger=%s kind=%s attempt=%d intervention=%v: %v",
		userID, providerName, trigger, kind, count, intervention, refreshErr)

	return RefreshResult{
		Type:      ResultFailure,
		ErrorKind: kind,
		Err:       refreshErr,
		Message:   fmt.Sprintf("refresh failed (%s)", kind),
	}
}

func (c *Coordinator) nearExpiry(expiresAt string, now time.Time) bool {
	exp, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		exp, err = time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			// Unparseable expiry is treated as expiring so a refresh
			// rewrites it.
			return true
		}
	}
	return exp.Sub(now) <= c.immediate
}

func (c *Coordinator) failStorage(providerName string, err error) RefreshResult {
	kindStr := string(classify.KindUnknown)
	c.metrics.IncRefreshResult(providerName, string(ResultFailure), &kindStr)
	return RefreshResult{
		Type:      ResultFailure,
		ErrorKind: classify.KindUnknown,
		Err:       err,
		Message:   "internal storage error during refresh",
	}
}

func (c *Coordinator) infof(format string, args ...any) {
	if c.log != nil {
		c.log.Infof(format, args...)
	}
}

func (c *Coordinator) warnf(format string, args ...any) {
	if c.log != nil {
		c.log.Warnf(format, args...)
	}
}

func (c *Coordinator) warnAt(kind classify.Kind, format string, args ...any) {
	if c.log == nil {
		return
	}
	if kind.Severity() == classify.SeverityHigh {
		c.log.Errorf(format, args...)
		return
	}
	c.log.Warnf(format, args...)
}
