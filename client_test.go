package goAuthClient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/goAuthClient/internal/testutil"
	"github.com/MrEthical07/goAuthClient/monitor"
	"github.com/MrEthical07/goAuthClient/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type navRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (n *navRecorder) Navigate(path string) {
	n.mu.Lock()
	n.paths = append(n.paths, path)
	n.mu.Unlock()
}

func (n *navRecorder) Paths() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

type testClient struct {
	*Client
	backend *testutil.Backend
	nav     *navRecorder
	kv      storage.KV
}

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.API.BaseURL = baseURL
	cfg.API.RequestTimeout = 5 * time.Second
	cfg.Refresh.MaxRetries = 2
	cfg.Refresh.RetryDelay = time.Millisecond
	cfg.Requests.MinRequestDelay = 0
	cfg.Monitor.Enabled = false
	return cfg
}

func newTestClient(t *testing.T, backend *testutil.Backend, kv storage.KV, mutate func(*Config), extra ...func(*Builder)) *testClient {
	t.Helper()
	if backend == nil {
		backend = testutil.NewBackend()
		t.Cleanup(backend.Close)
	}
	if kv == nil {
		kv = storage.NewMemory()
	}
	cfg := testConfig(backend.URL())
	if mutate != nil {
		mutate(&cfg)
	}
	nav := &navRecorder{}
	b := New().
		WithConfig(cfg).
		WithStorage(kv).
		WithLogger(zap.NewNop()).
		WithNavigator(nav.Navigate)
	for _, fn := range extra {
		fn(b)
	}
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &testClient{Client: c, backend: backend, nav: nav, kv: kv}
}

func (c *testClient) login(t *testing.T) {
	t.Helper()
	if err := c.Login(context.Background(), "30111222", "secret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
}

func (c *testClient) get(path string) (int, error) {
	req, err := http.NewRequest(http.MethodGet, c.backend.URL()+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBuilderRejectsReuseAndBadConfig(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatalf("expected Build without BaseURL to fail")
	}

	b := New().WithBaseURL("https://campo.example.com").WithLogger(zap.NewNop())
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer c.Close()
	if _, err := b.Build(); err == nil {
		t.Fatalf("expected second Build to fail")
	}
}

func TestLoginAndAuthenticatedRequest(t *testing.T) {
	c := newTestClient(t, nil, nil, nil)
	c.login(t)

	status, err := c.get("/api/lotes")
	if err != nil || status != http.StatusOK {
		t.Fatalf("get = %d, %v", status, err)
	}
	if !c.State().Usable() {
		t.Fatalf("expected a usable session")
	}
	if c.MetricsSnapshot().Counters[MetricLoginSuccess] != 1 {
		t.Fatalf("login not counted")
	}
}

func TestLoginRejected(t *testing.T) {
	c := newTestClient(t, nil, nil, nil)

	err := c.Login(context.Background(), "30111222", "wrong")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if c.State().Record.Present() {
		t.Fatalf("failed login must not install tokens")
	}
	if len(c.nav.Paths()) != 0 {
		t.Fatalf("failed login must not navigate")
	}
}

func TestExpiredTokenIsRefreshedTransparently(t *testing.T) {
	c := newTestClient(t, nil, nil, nil)
	c.login(t)
	c.backend.ExpireAll()

	status, err := c.get("/api/lotes")
	if err != nil || status != http.StatusOK {
		t.Fatalf("get = %d, %v", status, err)
	}
	if n := c.backend.RefreshCalls(); n != 1 {
		t.Fatalf("expected 1 refresh, got %d", n)
	}
	snap := c.MetricsSnapshot()
	if snap.Counters[MetricRefreshSuccess] != 1 || snap.Counters[MetricRequestReplayed] != 1 {
		t.Fatalf("unexpected counters %+v", snap.Counters)
	}
}

func TestRefreshRejectedClearsTokensAndNavigatesOnce(t *testing.T) {
	c := newTestClient(t, nil, nil, nil)
	c.login(t)
	c.backend.ExpireAll()
	c.backend.ScriptRefresh(http.StatusForbidden)

	const callers = 5
	var wg sync.WaitGroup
	var failed atomic.Int32
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if _, err := c.get("/api/lotes"); err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if failed.Load() != callers {
		t.Fatalf("expected every caller to fail, got %d", failed.Load())
	}
	if n := c.backend.RefreshCalls(); n != 1 {
		t.Fatalf("expected a single refresh call, got %d", n)
	}
	paths := c.nav.Paths()
	if len(paths) != 1 || paths[0] != "/Login" {
		t.Fatalf("expected exactly one navigation to /Login, got %v", paths)
	}
	if c.State().Record.Present() {
		t.Fatalf("tokens must be cleared")
	}
	if _, found, _ := c.kv.Get(context.Background(), "refresh-token"); found {
		t.Fatalf("persisted refresh token must be cleared")
	}

	// Later failures in the same, already terminated, session stay quiet.
	if _, err := c.ForceRefresh(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
	if len(c.nav.Paths()) != 1 {
		t.Fatalf("terminated session navigated again")
	}
}

func TestTransientExhaustionKeepsSession(t *testing.T) {
	c := newTestClient(t, nil, nil, nil)
	c.login(t)
	c.backend.ScriptRefresh(http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)

	_, err := c.ForceRefresh(context.Background())
	if !errors.Is(err, ErrRefreshExhausted) || !errors.Is(err, ErrServer) {
		t.Fatalf("expected exhausted server error, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("exhaustion must be transient")
	}
	st := c.State()
	if !st.Record.HasRefresh() || st.Err == nil || st.Usable() {
		t.Fatalf("expected kept tokens with a recorded error, got %+v", st)
	}
	if len(c.nav.Paths()) != 0 {
		t.Fatalf("transient failure must not navigate")
	}

	if _, err := c.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("recovery refresh failed: %v", err)
	}
	if !c.State().Usable() {
		t.Fatalf("success must clear the recorded error")
	}
}

func TestResumeFromPersistedTokens(t *testing.T) {
	backend := testutil.NewBackend()
	defer backend.Close()
	kv := storage.NewMemory()

	first := newTestClient(t, backend, kv, nil)
	first.login(t)
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second := newTestClient(t, backend, kv, nil)
	if err := second.Resume(context.Background()); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	status, err := second.get("/api/lotes")
	if err != nil || status != http.StatusOK {
		t.Fatalf("get after resume = %d, %v", status, err)
	}
}

func TestResumeWithoutTokens(t *testing.T) {
	c := newTestClient(t, nil, nil, nil)
	if err := c.Resume(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestResumeInsideThresholdRefreshesImmediately(t *testing.T) {
	backend := testutil.NewBackend()
	defer backend.Close()
	backend.SetAccessTTL(25 * time.Second)
	kv := storage.NewMemory()

	first := newTestClient(t, backend, kv, func(c *Config) { c.Refresh.EnableProactiveRefresh = false })
	first.login(t)
	_ = first.Close()
	backend.SetAccessTTL(5 * time.Minute)

	second := newTestClient(t, backend, kv, nil)
	if err := second.Resume(context.Background()); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	waitFor(t, "immediate pre-expiry refresh", func() bool { return backend.RefreshCalls() == 1 })
	waitFor(t, "scheduled refresh counted", func() bool {
		return second.MetricsSnapshot().Counters[MetricScheduledRefresh] == 1
	})
}

func TestLogoutClearsWithoutNavigating(t *testing.T) {
	c := newTestClient(t, nil, nil, nil)
	c.login(t)

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if c.backend.Logouts() != 1 {
		t.Fatalf("expected server logout")
	}
	if c.State().Record.Present() {
		t.Fatalf("logout must clear tokens")
	}
	if _, err := c.get("/api/lotes"); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken after logout, got %v", err)
	}
	if len(c.nav.Paths()) != 0 {
		t.Fatalf("logout must not navigate, got %v", c.nav.Paths())
	}
}

func TestVerifyToken(t *testing.T) {
	c := newTestClient(t, nil, nil, nil)
	if err := c.VerifyToken(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	c.login(t)
	if err := c.VerifyToken(context.Background()); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	c.backend.ExpireAll()
	if err := c.VerifyToken(context.Background()); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if len(c.nav.Paths()) != 1 || c.State().Record.Present() {
		t.Fatalf("rejected verify must end the session")
	}
}

func TestPermissionDriftRaisedOnceUntilAcknowledged(t *testing.T) {
	var raised atomic.Int32
	c := newTestClient(t, nil, nil, func(cfg *Config) {
		cfg.Monitor.Enabled = true
		cfg.Monitor.PollInterval = time.Hour
	}, func(b *Builder) {
		b.WithInvalidationHandler(func(monitor.Drift) { raised.Add(1) })
	})
	c.backend.SetProfile("OPERARIO", testutil.Grant{Module: "campo", Resource: "lotes", Action: "leer"})
	c.login(t)

	waitFor(t, "baseline check", func() bool { return c.backend.ProfileCalls() >= 1 })

	c.backend.SetProfile("OPERARIO",
		testutil.Grant{Module: "campo", Resource: "lotes", Action: "leer"},
		testutil.Grant{Module: "campo", Resource: "lotes", Action: "escribir"},
	)
	for i := 0; i < 3; i++ {
		if err := c.CheckPermissions(context.Background()); err != nil {
			t.Fatalf("check failed: %v", err)
		}
	}

	if !c.PendingInvalidation() || raised.Load() != 1 {
		t.Fatalf("expected one pending invalidation, raised=%d", raised.Load())
	}
	if err := c.AcknowledgeInvalidation(context.Background()); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if err := c.CheckPermissions(context.Background()); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if c.PendingInvalidation() || raised.Load() != 1 {
		t.Fatalf("acknowledged permissions raised again")
	}
	if c.MetricsSnapshot().Counters[MetricPermissionDrift] != 1 {
		t.Fatalf("drift not counted")
	}
}

type pushChannel struct {
	mu  sync.Mutex
	fns []func()
}

func (p *pushChannel) OnPermissionChanged(fn func()) func() {
	p.mu.Lock()
	p.fns = append(p.fns, fn)
	i := len(p.fns) - 1
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.fns[i] = nil
		p.mu.Unlock()
	}
}

func (p *pushChannel) fire() {
	p.mu.Lock()
	fns := append([]func(){}, p.fns...)
	p.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

func TestPushNotificationTriggersCheck(t *testing.T) {
	push := &pushChannel{}
	c := newTestClient(t, nil, nil, func(cfg *Config) {
		cfg.Monitor.Enabled = true
		cfg.Monitor.PollInterval = time.Hour
	}, func(b *Builder) {
		b.WithPushChannel(push)
	})
	c.login(t)
	waitFor(t, "baseline check", func() bool { return c.backend.ProfileCalls() >= 1 })
	// The baseline is stored after the response arrives; a checked comparison
	// serializes behind it.
	if err := c.CheckPermissions(context.Background()); err != nil {
		t.Fatalf("check failed: %v", err)
	}

	c.backend.SetProfile("OPERARIO", testutil.Grant{Module: "insumos", Resource: "stock", Action: "leer"})
	push.fire()

	waitFor(t, "push-triggered invalidation", c.PendingInvalidation)
}

func TestProfileRejectedTwiceTerminates(t *testing.T) {
	c := newTestClient(t, nil, nil, nil)
	c.login(t)
	c.backend.SetProfileStatus(http.StatusUnauthorized)
	c.backend.ScriptRefresh(0, http.StatusUnauthorized)

	if err := c.CheckPermissions(context.Background()); err == nil {
		t.Fatalf("expected the check to fail")
	}
	paths := c.nav.Paths()
	if len(paths) != 1 || paths[0] != "/Login" {
		t.Fatalf("expected one navigation, got %v", paths)
	}
}

func TestAuditTrail(t *testing.T) {
	sink := NewChannelSink(16)
	c := newTestClient(t, nil, nil, func(cfg *Config) {
		cfg.Audit.Enabled = true
	}, func(b *Builder) {
		b.WithAuditSink(sink)
	})
	c.login(t)

	select {
	case ev := <-sink.Events():
		if ev.EventType != AuditLogin || !ev.Success || ev.Subject != "30111222" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("login event not delivered")
	}
}

func TestRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	backend := testutil.NewBackend()
	defer backend.Close()
	cfg := testConfig(backend.URL())
	c, err := New().WithConfig(cfg).WithRedis(rdb).WithLogger(zap.NewNop()).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer c.Close()

	if err := c.Login(context.Background(), "30111222", "secret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !mr.Exists("authclient:access-token") || !mr.Exists("authclient:refresh-token") {
		t.Fatalf("expected prefixed token keys in redis, have %v", mr.Keys())
	}
}

func TestClosedClientRefusesWork(t *testing.T) {
	c := newTestClient(t, nil, nil, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := c.Login(context.Background(), "30111222", "secret"); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
	if _, err := c.ForceRefresh(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}
