package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goAuthClient/authapi"
	"github.com/MrEthical07/goAuthClient/permission"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/token"
	"go.uber.org/zap"
)

// ProfileSource fetches the current user's profile. *authapi.Client satisfies it.
type ProfileSource interface {
	Me(ctx context.Context) (authapi.Profile, error)
}

// Refresher is the refresh coordinator.
type Refresher interface {
	Current() token.Record
	ForceRefresh(ctx context.Context) (token.Record, error)
}

// SnapshotStore persists the last acknowledged snapshot. *permission.Store satisfies it.
type SnapshotStore interface {
	Load(ctx context.Context) (permission.Snapshot, bool, error)
	Save(ctx context.Context, snap permission.Snapshot) error
	Clear(ctx context.Context) error
}

// PushChannel is the real-time notification source. OnPermissionChanged registers fn
// and returns a func that unregisters it.
type PushChannel interface {
	OnPermissionChanged(fn func()) (cancel func())
}

// Drift describes a detected permission change.
type Drift struct {
	Role    string
	Added   []permission.Grant
	Removed []permission.Grant
}

// Config tunes the monitor.
type Config struct {
	PollInterval time.Duration
	// AdminRoles are compared case-insensitively.
	AdminRoles []string
}

// Hooks observe the monitor. All fields are optional.
type Hooks struct {
	// OnInvalidated runs once per raised invalidation.
	OnInvalidated func(d Drift)
	// OnTerminate runs when an auth error survives one forced refresh.
	OnTerminate func(err error)
	// OnChecked runs after every completed comparison.
	OnChecked func(drift bool)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHooks sets observation hooks.
func WithHooks(h Hooks) Option {
	return func(m *Monitor) { m.hooks = h }
}

// Monitor is the session consistency monitor.
type Monitor struct {
	cfg       Config
	profiles  ProfileSource
	refresher Refresher
	store     SnapshotStore
	logger    *zap.Logger
	hooks     Hooks
	admin     map[string]struct{}
	wake      chan struct{}

	// checkMu serializes checks so a push and a poll never compare concurrently.
	checkMu sync.Mutex

	// saveMu orders snapshot writes against Reset. epoch advances on every Reset and a
	// check that started under an older epoch writes nothing.
	saveMu sync.Mutex
	epoch  atomic.Uint64

	mu      sync.Mutex
	pending bool
	held    permission.Snapshot
}

// New creates a Monitor.
func New(profiles ProfileSource, refresher Refresher, store SnapshotStore, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:       cfg,
		profiles:  profiles,
		refresher: refresher,
		store:     store,
		logger:    zap.NewNop(),
		admin:     make(map[string]struct{}, len(cfg.AdminRoles)),
		wake:      make(chan struct{}, 1),
	}
	for _, r := range cfg.AdminRoles {
		m.admin[strings.ToUpper(strings.TrimSpace(r))] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run polls every PollInterval and on every Notify until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if m.cfg.PollInterval > 0 {
		t := time.NewTicker(m.cfg.PollInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		case <-m.wake:
		}
		if err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Debug("permission check failed", zap.Error(err))
		}
	}
}

// Notify requests an immediate check from Run. Notifications arriving while one is
// already queued are coalesced.
func (m *Monitor) Notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Attach subscribes Notify to pc and returns the unsubscribe func.
func (m *Monitor) Attach(pc PushChannel) (cancel func()) {
	if pc == nil {
		return func() {}
	}
	return pc.OnPermissionChanged(m.Notify)
}

// PendingInvalidation reports whether a permission change is waiting to be
// acknowledged.
func (m *Monitor) PendingInvalidation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Acknowledge persists the snapshot that raised the pending invalidation and clears it.
func (m *Monitor) Acknowledge(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	if !m.pending {
		m.mu.Unlock()
		return nil
	}
	held := m.held
	m.mu.Unlock()

	if err := m.store.Save(ctx, held); err != nil {
		return err
	}

	m.mu.Lock()
	m.pending = false
	m.held = permission.Snapshot{}
	m.mu.Unlock()
	return nil
}

// Reset drops pending state and the persisted snapshot (logout). Checks still in
// flight when Reset runs persist nothing.
func (m *Monitor) Reset(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.epoch.Add(1)
	m.mu.Lock()
	m.pending = false
	m.held = permission.Snapshot{}
	m.mu.Unlock()
	return m.store.Clear(ctx)
}

// Check fetches the profile once and compares its permissions with the persisted
// snapshot.
func (m *Monitor) Check(ctx context.Context) error {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	epoch := m.epoch.Load()
	prof, err := m.profiles.Me(ctx)
	if err != nil {
		return m.fetchFailed(ctx, err)
	}
	return m.compare(ctx, epoch, prof)
}

func (m *Monitor) fetchFailed(ctx context.Context, err error) error {
	if !isAuthError(err) {
		m.logger.Info("profile poll failed", zap.Error(err))
		return err
	}

	if !m.refresher.Current().HasRefresh() {
		// The session already ended on the request path.
		m.logger.Debug("profile poll rejected for an ended session", zap.Error(err))
		return err
	}

	m.logger.Info("profile poll rejected, forcing refresh", zap.Error(err))
	if _, rerr := m.refresher.ForceRefresh(ctx); rerr != nil {
		if ctx.Err() != nil {
			return rerr
		}
		m.logger.Warn("session could not be recovered", zap.Error(rerr))
		if m.hooks.OnTerminate != nil {
			m.hooks.OnTerminate(rerr)
		}
		return rerr
	}
	return nil
}

// save persists snap unless ctx is done or a Reset happened since the check began.
func (m *Monitor) save(ctx context.Context, epoch uint64, snap permission.Snapshot) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.epoch.Load() != epoch {
		m.logger.Debug("session reset during check, snapshot dropped")
		return nil
	}
	return m.store.Save(ctx, snap)
}

func (m *Monitor) compare(ctx context.Context, epoch uint64, prof authapi.Profile) error {
	if m.PendingInvalidation() {
		return nil
	}

	current := prof.Snapshot()
	prev, found, err := m.store.Load(ctx)
	if errors.Is(err, permission.ErrCorruptSnapshot) {
		m.logger.Warn("discarding unreadable permission snapshot", zap.Error(err))
		found, err = false, nil
	}
	if err != nil {
		return err
	}
	if !found {
		m.logger.Debug("permission baseline stored", zap.Int("grants", current.Len()))
		return m.save(ctx, epoch, current)
	}

	drift := !prev.Equal(current)
	if m.hooks.OnChecked != nil {
		m.hooks.OnChecked(drift)
	}
	if !drift {
		return nil
	}

	role := prof.RoleName()
	if m.isAdmin(role) {
		m.logger.Info("admin permissions changed, snapshot updated", zap.String("role", role))
		return m.save(ctx, epoch, current)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.pending || m.epoch.Load() != epoch {
		m.mu.Unlock()
		return nil
	}
	m.pending = true
	m.held = current
	m.mu.Unlock()

	added, removed := current.Diff(prev)
	m.logger.Info("permissions changed, session invalidated",
		zap.String("role", role),
		zap.Int("added", len(added)),
		zap.Int("removed", len(removed)),
	)
	if m.hooks.OnInvalidated != nil {
		m.hooks.OnInvalidated(Drift{Role: role, Added: added, Removed: removed})
	}
	return nil
}

func (m *Monitor) isAdmin(role string) bool {
	_, ok := m.admin[strings.ToUpper(strings.TrimSpace(role))]
	return ok
}

func isAuthError(err error) bool {
	return errors.Is(err, authapi.ErrAuthRejected) || refresh.IsTerminal(err)
}
