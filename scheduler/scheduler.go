package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/MrEthical07/goAuthClient/token"
	"go.uber.org/zap"
)

// Kind names a timer.
type Kind string

const (
	// KindPreExpiry fires ahead of the token's expiry.
	KindPreExpiry Kind = "pre_expiry"
	// KindPeriodic fires every RefreshInterval.
	KindPeriodic Kind = "periodic"
)

// Refresher is the refresh coordinator.
type Refresher interface {
	ForceRefresh(ctx context.Context) (token.Record, error)
}

// Timer is the subset of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// TimerFunc arms f to run after d.
type TimerFunc func(d time.Duration, f func()) Timer

// Config tunes the timers.
type Config struct {
	Enabled             bool
	RefreshInterval     time.Duration
	PreRefreshThreshold time.Duration
	// FailureBackoff is the minimum pre-expiry delay after a failed refresh.
	FailureBackoff time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimerFunc replaces time.AfterFunc.
func WithTimerFunc(fn TimerFunc) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.afterFunc = fn
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFireHook runs fn every time a timer fires, with the refresh outcome.
func WithFireHook(fn func(kind Kind, err error)) Option {
	return func(s *Scheduler) { s.onFire = fn }
}

// Scheduler arms the proactive and periodic refresh timers.
type Scheduler struct {
	cfg       Config
	refresher Refresher
	logger    *zap.Logger
	afterFunc TimerFunc
	now       func() time.Time
	onFire    func(kind Kind, err error)

	mu       sync.Mutex
	gen      uint64
	pre      Timer
	periodic Timer
	rec      token.Record
	running  bool
	firing   bool
	failed   bool
	life     context.Context
	cancel   context.CancelFunc
}

// New creates a stopped Scheduler.
func New(refresher Refresher, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		refresher: refresher,
		logger:    zap.NewNop(),
		afterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start enables arming. Timers are armed on the next Rearm.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.failed = false
	s.life, s.cancel = context.WithCancel(context.Background())
}

// Stop cancels both timers and disables arming until Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.disarmLocked()
	if s.cancel != nil {
		s.cancel()
	}
}

// Rearm replaces both timers according to rec. A record without an access token leaves
// the scheduler disarmed. While a firing is settling, the record is kept and the
// timers are armed when it settles.
func (s *Scheduler) Rearm(rec token.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
	if s.firing {
		return
	}
	s.armLocked()
}

// Active reports which timers are armed.
func (s *Scheduler) Active() (preExpiry, periodic bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pre != nil, s.periodic != nil
}

// NextPreExpiryDelay returns the delay the pre-expiry timer would be armed with for rec.
func (s *Scheduler) NextPreExpiryDelay(rec token.Record) time.Duration {
	if rec.ExpiresAt.IsZero() {
		return 0
	}
	d := rec.ExpiresAt.Add(-s.cfg.PreRefreshThreshold).Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) armLocked() {
	s.disarmLocked()
	if !s.running || !s.cfg.Enabled || !s.rec.Present() {
		return
	}

	gen := s.gen
	delay := s.NextPreExpiryDelay(s.rec)
	if s.failed && delay < s.cfg.FailureBackoff {
		delay = s.cfg.FailureBackoff
	}
	s.pre = s.afterFunc(delay, func() { s.fire(gen, KindPreExpiry) })
	if s.cfg.RefreshInterval > 0 {
		s.periodic = s.afterFunc(s.cfg.RefreshInterval, func() { s.fire(gen, KindPeriodic) })
	}
	s.logger.Debug("refresh timers armed",
		zap.Duration("pre_expiry_in", delay),
		zap.Duration("periodic_in", s.cfg.RefreshInterval),
	)
}

func (s *Scheduler) disarmLocked() {
	s.gen++
	if s.pre != nil {
		s.pre.Stop()
		s.pre = nil
	}
	if s.periodic != nil {
		s.periodic.Stop()
		s.periodic = nil
	}
}

func (s *Scheduler) fire(gen uint64, kind Kind) {
	s.mu.Lock()
	if gen != s.gen || !s.running || s.firing {
		s.mu.Unlock()
		return
	}
	// Nothing may be armed until the refresh settles.
	s.disarmLocked()
	s.firing = true
	life := s.life
	s.mu.Unlock()

	s.logger.Debug("refresh timer fired", zap.String("kind", string(kind)))
	_, err := s.refresher.ForceRefresh(life)
	if err != nil {
		s.logger.Warn("scheduled refresh failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	if s.onFire != nil {
		s.onFire(kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.firing = false
	s.failed = err != nil
	s.armLocked()
}
