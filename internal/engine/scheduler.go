package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AccountState is the scheduler's view of one account.
type AccountState string

const (
	StateIdle     AccountState = "idle"
	StateRunning  AccountState = "running"
	StateBackoff  AccountState = "backoff"
	StateAuthWait AccountState = "auth_wait"
)

// SchedulerConfig tunes the per-account sync loops.
type SchedulerConfig struct {
	// Interval between scheduled runs. Default 5 minutes.
	Interval time.Duration

	// BackoffBase is the first retry delay after a failure; each
	// further failure doubles it up to BackoffMax, plus jitter.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxAttempts bounds transient retries before the account is
	// surfaced as degraded. Zero means unbounded.
	MaxAttempts int

	// SyncOnStart runs each account once immediately when added.
	SyncOnStart bool
}

// DefaultSchedulerConfig mirrors the stock client settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:    5 * time.Minute,
		BackoffBase: 30 * time.Second,
		BackoffMax:  15 * time.Minute,
		MaxAttempts: 3,
		SyncOnStart: true,
	}
}

// AccountStatus is a diagnostics snapshot of one account's loop.
type AccountStatus struct {
	AccountID string
	State     AccountState
	Failures  int
	LastRun   time.Time
	LastError string
}

type accountLoop struct {
	account Account
	cancel  context.CancelFunc
	done    chan struct{}

	// trigger carries manual sync requests. Capacity 1: a trigger
	// while running coalesces into exactly one follow-up run.
	trigger chan struct{}

	// resume wakes an auth-paused loop once a fresh credential is in
	// place.
	resume chan struct{}

	mu        sync.Mutex
	state     AccountState
	failures  int
	lastRun   time.Time
	lastError string

	// retryAfter is the server-suggested delay from the last
	// rate-limited failure, zero otherwise.
	retryAfter time.Duration
}

func (l *accountLoop) setRetryAfter(d time.Duration) {
	l.mu.Lock()
	l.retryAfter = d
	l.mu.Unlock()
}

func (l *accountLoop) retryAfterHint() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retryAfter
}

func (l *accountLoop) setState(s AccountState, failures int, errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
	l.failures = failures
	l.lastError = errMsg
	if s == StateIdle && errMsg == "" {
		l.lastRun = time.Now()
	}
}

func (l *accountLoop) snapshot() AccountStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return AccountStatus{
		AccountID: l.account.ID,
		State:     l.state,
		Failures:  l.failures,
		LastRun:   l.lastRun,
		LastError: l.lastError,
	}
}

// Scheduler drives periodic and on-demand reconciler runs, one loop
// per account. Loops are independent; nothing is shared across
// accounts beyond the provider registry.
type Scheduler struct {
	reconciler *Reconciler
	cfg        SchedulerConfig
	logger     *logrus.Logger

	mu    sync.Mutex
	loops map[string]*accountLoop
	base  context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
}

// NewScheduler creates a scheduler over the given reconciler.
func NewScheduler(r *Reconciler, cfg SchedulerConfig, logger *logrus.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 15 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		reconciler: r,
		cfg:        cfg,
		logger:     logger,
		loops:      make(map[string]*accountLoop),
		base:       ctx,
		stop:       cancel,
	}
}

// AddAccount starts the sync loop for an account. Adding an account
// that already has a loop is a no-op.
func (s *Scheduler) AddAccount(account Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.loops[account.ID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	loop := &accountLoop{
		account: account,
		cancel:  cancel,
		done:    make(chan struct{}),
		trigger: make(chan struct{}, 1),
		resume:  make(chan struct{}, 1),
		state:   StateIdle,
	}
	s.loops[account.ID] = loop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(loop.done)
		s.run(ctx, loop)
	}()
}

// RemoveAccount stops an account's loop and waits for any in-flight
// run to finish.
func (s *Scheduler) RemoveAccount(accountID string) {
	s.mu.Lock()
	loop, ok := s.loops[accountID]
	if ok {
		delete(s.loops, accountID)
	}
	s.mu.Unlock()

	if ok {
		loop.cancel()
		<-loop.done
	}
}

// Trigger requests an immediate sync. While running, triggers coalesce
// into a single follow-up run; while in backoff, the backoff is cut
// short and the run happens now.
func (s *Scheduler) Trigger(accountID string) bool {
	s.mu.Lock()
	loop, ok := s.loops[accountID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case loop.trigger <- struct{}{}:
	default:
		// A follow-up run is already scheduled.
	}
	return true
}

// Resume unpauses an auth-waiting account after a fresh credential has
// been supplied, and triggers an immediate run.
func (s *Scheduler) Resume(accountID string) bool {
	s.mu.Lock()
	loop, ok := s.loops[accountID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case loop.resume <- struct{}{}:
	default:
	}
	return true
}

// Status returns a snapshot of one account's loop, or ok=false when
// the account is unknown.
func (s *Scheduler) Status(accountID string) (AccountStatus, bool) {
	s.mu.Lock()
	loop, ok := s.loops[accountID]
	s.mu.Unlock()
	if !ok {
		return AccountStatus{}, false
	}
	return loop.snapshot(), true
}

// StatusAll returns snapshots for every account loop.
func (s *Scheduler) StatusAll() []AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AccountStatus, 0, len(s.loops))
	for _, loop := range s.loops {
		out = append(out, loop.snapshot())
	}
	return out
}

// Stop halts all loops. An in-flight reconciler run finishes its
// transaction before its loop exits; Stop blocks until every loop has
// drained.
func (s *Scheduler) Stop() {
	s.stop()
	s.wg.Wait()
}

// run is the per-account loop: Idle -> Running -> (Idle | Backoff),
// with AuthWait parked until Resume.
func (s *Scheduler) run(ctx context.Context, loop *accountLoop) {
	if s.cfg.SyncOnStart {
		if stop := s.runOnce(ctx, loop); stop {
			return
		}
	}

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			if stop := s.runOnce(ctx, loop); stop {
				return
			}

		case <-loop.trigger:
			if stop := s.runOnce(ctx, loop); stop {
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextDelay(loop))
	}
}

// runOnce performs one reconciler run and updates loop state. Returns
// true when the loop must exit.
func (s *Scheduler) runOnce(ctx context.Context, loop *accountLoop) (stop bool) {
	loop.setState(StateRunning, loop.snapshot().Failures, "")

	// The run itself is not cancelled mid-transaction: the reconciler
	// checks ctx only between adapter calls.
	res, err := s.reconciler.Sync(ctx, loop.account)

	switch {
	case err == nil:
		loop.setState(StateIdle, 0, "")
		loop.setRetryAfter(0)
		s.logger.WithFields(logrus.Fields{
			"account":  loop.account.ID,
			"received": res.Received,
			"pushed":   res.Pushed,
		}).Info("sync completed")

	case IsAuthError(err):
		loop.setState(StateAuthWait, loop.snapshot().Failures, err.Error())
		s.logger.WithField("account", loop.account.ID).
			Warn("sync paused pending re-authentication")
		return s.waitForResume(ctx, loop)

	default:
		failures := loop.snapshot().Failures + 1
		loop.setState(StateBackoff, failures, err.Error())

		var rl *RateLimitError
		if errors.As(err, &rl) {
			loop.setRetryAfter(rl.RetryAfter)
		} else {
			loop.setRetryAfter(0)
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"account":  loop.account.ID,
			"failures": failures,
		}).Warn("sync failed, backing off")

		if s.cfg.MaxAttempts > 0 && failures >= s.cfg.MaxAttempts {
			s.logger.WithField("account", loop.account.ID).
				Warn("sync degraded after repeated failures")
		}
	}

	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// waitForResume parks an auth-paused loop until Resume or shutdown.
func (s *Scheduler) waitForResume(ctx context.Context, loop *accountLoop) (stop bool) {
	select {
	case <-ctx.Done():
		return true
	case <-loop.resume:
		loop.setState(StateIdle, 0, "")
		return s.runOnce(ctx, loop)
	}
}

// nextDelay picks the wait before the next scheduled run: the regular
// interval when healthy, exponential backoff with jitter after
// failures. A manual trigger always preempts the wait.
func (s *Scheduler) nextDelay(loop *accountLoop) time.Duration {
	snap := loop.snapshot()
	if snap.State != StateBackoff || snap.Failures == 0 {
		return s.cfg.Interval
	}

	delay := s.cfg.BackoffBase << uint(snap.Failures-1)
	if delay > s.cfg.BackoffMax || delay <= 0 {
		delay = s.cfg.BackoffMax
	}
	if ra := loop.retryAfterHint(); ra > delay {
		// The server named its own delay; honor it.
		delay = ra
	}
	// Up to 10% jitter so accounts failing together do not retry
	// together.
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}
