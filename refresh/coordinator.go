package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrEthical07/goAuthClient/token"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const flightKey = "refresh"

// Refresher calls the refresh endpoint.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (token.Pair, error)
}

// TokenStore is the persisted pair. *token.Store satisfies it.
type TokenStore interface {
	Load(ctx context.Context) (token.Record, error)
	Save(ctx context.Context, p token.Pair) error
	Clear(ctx context.Context) error
}

// Config tunes the retry loop.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is the delay after the first failed attempt; it doubles each time.
	RetryDelay time.Duration
	// AttemptTimeout bounds a single refresh call. Zero leaves it to the HTTP client.
	AttemptTimeout time.Duration
}

// Hooks observe the coordinator. All fields are optional and are called outside the
// coordinator's lock.
type Hooks struct {
	OnAttemptFailed func(attempt int, err error)
	OnRefreshed     func(rec token.Record, attempts int, took time.Duration)
	OnTransient     func(err error)
	OnTerminal      func(err error)
}

// State is a point-in-time copy of the coordinator's view of the session.
type State struct {
	Record          token.Record
	Refreshing      bool
	LastRefreshedAt time.Time
	Err             error
	Pending         int
}

// Usable reports whether the access token may be sent.
func (s State) Usable() bool {
	return s.Record.Present() && s.Err == nil
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHooks installs observation hooks.
func WithHooks(h Hooks) Option {
	return func(c *Coordinator) { c.hooks = h }
}

// WithSleep replaces the backoff sleep. Tests use it to record delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator is the single-flight refresher and the only writer of the token pair.
type Coordinator struct {
	cfg    Config
	api    Refresher
	store  TokenStore
	logger *zap.Logger
	hooks  Hooks
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	sf     singleflight.Group

	// wmu serializes writes to the persisted pair so a late refresh cannot resurrect a
	// cleared session.
	wmu sync.Mutex

	mu        sync.Mutex
	state     State
	queue     queue
	listeners []func(token.Record)
	life      context.Context
	cancel    context.CancelFunc
}

// New creates a Coordinator. The in-memory state starts empty; call Load to pick up a
// persisted session.
func New(api Refresher, store TokenStore, cfg Config, opts ...Option) *Coordinator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Coordinator{
		cfg:    cfg,
		api:    api,
		store:  store,
		logger: zap.NewNop(),
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.life, c.cancel = context.WithCancel(context.Background())
	return c
}

// OnChange registers fn to run whenever the held record changes: load, install,
// successful refresh and clear.
func (c *Coordinator) OnChange(fn func(token.Record)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Current returns the held record.
func (c *Coordinator) Current() token.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Record
}

// State returns a copy of the full state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Pending = c.queue.len()
	return s
}

// Refreshing reports whether a refresh is in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Refreshing
}

// Load reads the persisted pair into memory (app resume).
func (c *Coordinator) Load(ctx context.Context) (token.Record, error) {
	rec, err := c.store.Load(ctx)
	if err != nil {
		return token.Record{}, err
	}
	c.mu.Lock()
	c.state.Record = rec
	c.state.Err = nil
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, rec)
	return rec, nil
}

// Install persists a freshly issued pair (login).
func (c *Coordinator) Install(ctx context.Context, p token.Pair) (token.Record, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.store.Save(ctx, p); err != nil {
		return token.Record{}, err
	}
	rec := token.NewRecord(p)

	c.mu.Lock()
	c.state.Record = rec
	c.state.Err = nil
	c.state.LastRefreshedAt = c.now()
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, rec)
	return rec, nil
}

// Clear drops the session: pending backoff sleeps stop, queued waiters are rejected
// with ErrSessionTerminated, the persisted pair is removed and listeners see an empty
// record. An in-flight refresh that completes afterwards is discarded.
func (c *Coordinator) Clear(ctx context.Context) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	c.cancel()
	c.life, c.cancel = context.WithCancel(context.Background())
	c.state = State{}
	waiters := c.queue.take()
	listeners := c.listeners
	c.mu.Unlock()

	release(waiters, token.Record{}, ErrSessionTerminated)
	err := c.store.Clear(ctx)
	notify(listeners, token.Record{})
	return err
}

// Close stops pending backoff sleeps and rejects queued waiters without touching the
// persisted pair.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.cancel()
	waiters := c.queue.take()
	c.mu.Unlock()

	release(waiters, token.Record{}, ErrSessionTerminated)
}

// Join registers a waiter if, and only if, a refresh is in flight. The check and the
// registration are atomic, so a waiter is never left behind a flight that already
// settled.
func (c *Coordinator) Join(ctx context.Context) (*Waiter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Refreshing {
		return nil, false
	}
	w := newWaiter(ctx)
	c.queue.push(w)
	return w, true
}

// ForceRefresh renews the pair. Callers arriving while a refresh is in flight share its
// result instead of starting another one. ctx bounds only the caller's wait; the
// refresh itself runs until it settles or the session is cleared.
func (c *Coordinator) ForceRefresh(ctx context.Context) (token.Record, error) {
	ch := c.sf.DoChan(flightKey, func() (interface{}, error) {
		return c.run()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return token.Record{}, res.Err
		}
		return res.Val.(token.Record), nil
	case <-ctx.Done():
		return token.Record{}, ctx.Err()
	}
}

func (c *Coordinator) run() (token.Record, error) {
	c.mu.Lock()
	life := c.life
	c.state.Refreshing = true
	c.mu.Unlock()

	start := c.now()

	rec, err := c.store.Load(life)
	if err != nil {
		return c.failTransient(life, fmt.Errorf("load tokens: %w", err))
	}
	if !rec.HasRefresh() {
		return c.failTerminal(life, token.ErrNoRefreshToken)
	}

	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := Backoff(c.cfg.RetryDelay, attempt-1)
			c.logger.Debug("refresh backoff", zap.Int("attempt", attempt), zap.Duration("delay", delay))
			if err := c.sleep(life, delay); err != nil {
				return c.abandon(life)
			}
		}

		pair, err := c.attempt(life, rec.RefreshToken)
		if err == nil {
			return c.succeed(life, pair, attempt, start)
		}
		lastErr = err
		if c.hooks.OnAttemptFailed != nil {
			c.hooks.OnAttemptFailed(attempt, err)
		}
		if life.Err() != nil {
			return c.abandon(life)
		}
		if IsTerminal(err) {
			c.logger.Warn("refresh rejected", zap.Int("attempt", attempt), zap.Error(err))
			return c.failTerminal(life, err)
		}
		c.logger.Info("refresh attempt failed", zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.Error(err))
	}

	return c.failTransient(life, fmt.Errorf("%w after %d attempts: %w", ErrRefreshExhausted, attempts, lastErr))
}

func (c *Coordinator) attempt(life context.Context, refreshToken string) (token.Pair, error) {
	// In-flight calls are not force-cancelled on logout; their result is discarded.
	ctx := context.WithoutCancel(life)
	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}
	return c.api.Refresh(ctx, refreshToken)
}

func (c *Coordinator) succeed(life context.Context, pair token.Pair, attempts int, start time.Time) (token.Record, error) {
	c.wmu.Lock()
	c.mu.Lock()
	if c.life != life {
		c.mu.Unlock()
		c.wmu.Unlock()
		return c.abandon(life)
	}
	c.mu.Unlock()

	rec := token.NewRecord(pair)
	if err := c.store.Save(life, pair); err != nil {
		c.logger.Error("persist refreshed tokens failed", zap.Error(err))
	} else if loaded, err := c.store.Load(life); err == nil {
		rec = loaded
	}

	c.mu.Lock()
	c.state.Record = rec
	c.state.Refreshing = false
	c.state.Err = nil
	c.state.LastRefreshedAt = c.now()
	waiters := c.queue.take()
	listeners := c.listeners
	c.mu.Unlock()
	c.wmu.Unlock()

	c.logger.Info("token refreshed", zap.Int("attempts", attempts), zap.Time("expires_at", rec.ExpiresAt))
	notify(listeners, rec)
	if c.hooks.OnRefreshed != nil {
		c.hooks.OnRefreshed(rec, attempts, c.now().Sub(start))
	}
	// The refresh is settled here; replays drain in the background.
	go release(waiters, rec, nil)
	return rec, nil
}

func (c *Coordinator) failTransient(life context.Context, err error) (token.Record, error) {
	c.mu.Lock()
	if c.life != life {
		c.mu.Unlock()
		return c.abandon(life)
	}
	c.state.Refreshing = false
	c.state.Err = err
	waiters := c.queue.take()
	c.mu.Unlock()

	c.logger.Warn("refresh failed", zap.Error(err))
	if c.hooks.OnTransient != nil {
		c.hooks.OnTransient(err)
	}
	release(waiters, token.Record{}, err)
	return token.Record{}, err
}

func (c *Coordinator) failTerminal(life context.Context, err error) (token.Record, error) {
	c.wmu.Lock()
	c.mu.Lock()
	if c.life != life {
		c.mu.Unlock()
		c.wmu.Unlock()
		return c.abandon(life)
	}
	c.state = State{Err: err}
	waiters := c.queue.take()
	listeners := c.listeners
	c.mu.Unlock()

	clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if cerr := c.store.Clear(clearCtx); cerr != nil {
		c.logger.Error("clear tokens failed", zap.Error(cerr))
	}
	cancel()
	c.wmu.Unlock()

	notify(listeners, token.Record{})
	release(waiters, token.Record{}, err)
	if c.hooks.OnTerminal != nil {
		c.hooks.OnTerminal(err)
	}
	return token.Record{}, err
}

// abandon settles a flight whose session was cleared underneath it. Clear already
// reset the state and rejected the queue.
func (c *Coordinator) abandon(life context.Context) (token.Record, error) {
	c.mu.Lock()
	if c.life == life {
		// Close cancelled the lifetime without clearing.
		c.state.Refreshing = false
		c.state.Err = ErrSessionTerminated
	}
	waiters := c.queue.take()
	c.mu.Unlock()

	release(waiters, token.Record{}, ErrSessionTerminated)
	return token.Record{}, ErrSessionTerminated
}

func notify(listeners []func(token.Record), rec token.Record) {
	for _, fn := range listeners {
		fn(rec)
	}
}
