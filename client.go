package goAuthClient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goAuthClient/authapi"
	"github.com/MrEthical07/goAuthClient/gateway"
	"github.com/MrEthical07/goAuthClient/monitor"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/scheduler"
	"github.com/MrEthical07/goAuthClient/token"
	"go.uber.org/zap"
)

// logoutTimeout bounds the best-effort server logout.
const logoutTimeout = 5 * time.Second

// Client owns one user session: the persisted token pair, the refresh machinery, the
// gateway-wrapped http.Client and the permission monitor. Methods are safe for
// concurrent use.
type Client struct {
	config Config
	logger *zap.Logger

	api        *authapi.Client
	coord      *refresh.Coordinator
	gateway    *gateway.Gateway
	httpClient *http.Client
	sched      *scheduler.Scheduler
	monitor    *monitor.Monitor

	navigate      Navigator
	push          PushChannel
	onInvalidated InvalidationHandler

	audit   *auditDispatcher
	metrics *Metrics
	closers []func() error

	// terminated is the per-session latch that makes the forced logout run once. It is
	// reset when a session starts.
	terminated atomic.Bool
	closed     atomic.Bool

	mu         sync.Mutex
	monCancel  context.CancelFunc
	monDone    chan struct{}
	pushCancel func()
}

// Login exchanges credentials for a token pair and starts the session.
func (c *Client) Login(ctx context.Context, dni, password string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	pair, err := c.api.Login(ctx, dni, password)
	if err != nil {
		c.metrics.Inc(MetricLoginFailure)
		c.audit.record(ctx, AuditLoginFailed, dni, err, nil)
		return err
	}

	c.beginSession()
	if _, err := c.coord.Install(ctx, pair); err != nil {
		c.sched.Stop()
		return fmt.Errorf("persist session: %w", err)
	}
	c.startMonitor()

	c.metrics.Inc(MetricLoginSuccess)
	c.audit.record(ctx, AuditLogin, dni, nil, nil)
	c.logger.Info("logged in")
	return nil
}

// Resume picks up a persisted session on application start. It returns
// ErrNotAuthenticated when no access token is stored. A token that is already expired
// or close to expiry is refreshed right away by the scheduler.
func (c *Client) Resume(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	c.beginSession()
	rec, err := c.coord.Load(ctx)
	if err != nil {
		c.sched.Stop()
		return fmt.Errorf("load session: %w", err)
	}
	if !rec.Present() {
		c.sched.Stop()
		return ErrNotAuthenticated
	}
	c.startMonitor()

	c.metrics.Inc(MetricResume)
	c.audit.record(ctx, AuditResume, "", nil, map[string]string{
		"expires_in": time.Until(rec.ExpiresAt).Round(time.Second).String(),
	})
	c.logger.Info("session resumed", zap.Time("expires_at", rec.ExpiresAt))
	return nil
}

// Logout tells the backend (best effort) and drops the local session. It does not
// navigate.
func (c *Client) Logout(ctx context.Context) error {
	if access := c.coord.Current().AccessToken; access != "" {
		lctx, cancel := context.WithTimeout(ctx, logoutTimeout)
		if err := c.api.Logout(lctx, access); err != nil {
			c.logger.Info("server logout failed", zap.Error(err))
		}
		cancel()
	}

	// Failures still in flight for this session must not navigate.
	c.terminated.Store(true)
	err := c.endSession(ctx)

	c.metrics.Inc(MetricLogout)
	c.audit.record(ctx, AuditLogout, "", err, nil)
	return err
}

// ForceRefresh renews the token pair now. Concurrent callers share one refresh.
func (c *Client) ForceRefresh(ctx context.Context) (token.Record, error) {
	if c.closed.Load() {
		return token.Record{}, ErrClientClosed
	}
	return c.coord.ForceRefresh(ctx)
}

// VerifyToken asks the backend whether the current access token is valid. A rejection
// ends the session.
func (c *Client) VerifyToken(ctx context.Context) error {
	access := c.coord.Current().AccessToken
	if access == "" {
		return ErrNotAuthenticated
	}
	err := c.api.VerifyToken(ctx, access)
	if errors.Is(err, ErrAuthRejected) {
		c.terminate(ctx, err)
	}
	return err
}

// HTTPClient returns the http.Client whose transport is the gateway. Use it for every
// backend call.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Do sends req through the gateway.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.httpClient.Do(req)
}

// Profile fetches the signed-in user's profile.
func (c *Client) Profile(ctx context.Context) (authapi.Profile, error) {
	if !c.coord.Current().Present() {
		return authapi.Profile{}, ErrNotAuthenticated
	}
	return c.api.Me(ctx)
}

// CheckPermissions runs one permission drift check now.
func (c *Client) CheckPermissions(ctx context.Context) error {
	if !c.coord.Current().Present() {
		return ErrNotAuthenticated
	}
	return c.monitor.Check(ctx)
}

// PendingInvalidation reports whether a permission change awaits acknowledgement.
func (c *Client) PendingInvalidation() bool {
	return c.monitor.PendingInvalidation()
}

// AcknowledgeInvalidation accepts the changed permissions.
func (c *Client) AcknowledgeInvalidation(ctx context.Context) error {
	return c.monitor.Acknowledge(ctx)
}

// State returns the coordinator's view of the session.
func (c *Client) State() refresh.State {
	return c.coord.State()
}

// MetricsSnapshot returns the current counters.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// AuditDropped returns the number of audit events dropped under backpressure.
func (c *Client) AuditDropped() uint64 {
	return c.audit.Dropped()
}

// Close stops background work and releases owned resources. Persisted tokens are kept
// so the next process can Resume.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := c.stopMonitor()
	if done != nil {
		<-done
	}
	c.sched.Stop()
	c.coord.Close()
	c.audit.Close()

	var errs []error
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) beginSession() {
	c.terminated.Store(false)
	c.sched.Start()
}

func (c *Client) endSession(ctx context.Context) error {
	c.stopMonitor()
	c.sched.Stop()
	err := c.coord.Clear(ctx)
	if rerr := c.monitor.Reset(ctx); rerr != nil {
		c.logger.Warn("clear permission snapshot failed", zap.Error(rerr))
	}
	return err
}

// terminate is the single forced-logout path. Whatever detects the failure first wins;
// later signals for the same session are no-ops.
func (c *Client) terminate(ctx context.Context, cause error) {
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}
	c.logger.Warn("session terminated", zap.Error(cause))

	if err := c.endSession(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("clear session failed", zap.Error(err))
	}
	c.metrics.Inc(MetricSessionTerminated)
	c.audit.record(ctx, AuditSessionTerminated, "", cause, nil)
	c.navigate(c.config.Navigation.LoginPath)
}

func (c *Client) startMonitor() {
	if !c.config.Monitor.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.monCancel = cancel
	c.monDone = done
	c.pushCancel = c.monitor.Attach(c.push)
	go func() {
		defer close(done)
		_ = c.monitor.Run(ctx)
	}()
	// Take the baseline without waiting a full poll interval.
	c.monitor.Notify()
}

// stopMonitor cancels the poll loop and returns a channel closed when it has exited.
// It never waits itself, since it may run on the monitor goroutine.
func (c *Client) stopMonitor() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monCancel == nil {
		return nil
	}
	c.monCancel()
	if c.pushCancel != nil {
		c.pushCancel()
	}
	done := c.monDone
	c.monCancel, c.monDone, c.pushCancel = nil, nil, nil
	return done
}

func (c *Client) refreshHooks() refresh.Hooks {
	return refresh.Hooks{
		OnAttemptFailed: func(int, error) {
			c.metrics.Inc(MetricRefreshAttemptFailed)
		},
		OnRefreshed: func(rec token.Record, attempts int, took time.Duration) {
			c.metrics.Inc(MetricRefreshSuccess)
			c.metrics.Observe(MetricRefreshLatency, took)
			c.audit.record(context.Background(), AuditRefresh, "", nil, map[string]string{
				"attempts": strconv.Itoa(attempts),
			})
		},
		OnTransient: func(err error) {
			c.metrics.Inc(MetricRefreshExhausted)
			c.audit.record(context.Background(), AuditRefreshFailed, "", err, nil)
		},
		OnTerminal: func(err error) {
			c.metrics.Inc(MetricRefreshRejected)
			c.terminate(context.Background(), err)
		},
	}
}

func (c *Client) gatewayHooks() gateway.Hooks {
	return gateway.Hooks{
		OnAuthFailure: func(err error) {
			c.terminate(context.Background(), err)
		},
		OnReplay: func(gateway.ReplayReason) {
			c.metrics.Inc(MetricRequestReplayed)
		},
		OnRejected: func(error) {
			c.metrics.Inc(MetricRequestRejected)
		},
	}
}

func (c *Client) monitorHooks() monitor.Hooks {
	return monitor.Hooks{
		OnInvalidated: func(d monitor.Drift) {
			c.metrics.Inc(MetricPermissionDrift)
			c.audit.record(context.Background(), AuditPermissionDrift, "", nil, map[string]string{
				"role":    d.Role,
				"added":   strconv.Itoa(len(d.Added)),
				"removed": strconv.Itoa(len(d.Removed)),
			})
			if c.onInvalidated != nil {
				c.onInvalidated(d)
			}
		},
		OnTerminate: func(err error) {
			c.terminate(context.Background(), err)
		},
	}
}
