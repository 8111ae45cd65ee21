package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/goAuthClient/authapi"
	"github.com/MrEthical07/goAuthClient/internal/testutil"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/storage"
	"github.com/MrEthical07/goAuthClient/token"
)

type captured struct {
	auth   string
	id     string
	body   string
	tag    string
	replay bool
}

type recorder struct {
	next   http.RoundTripper
	before func(n int, req *http.Request)
	// after runs once the response is back, before it is returned to the gateway.
	after func(req *http.Request)

	mu   sync.Mutex
	reqs []captured
}

func (r *recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	r.mu.Lock()
	r.reqs = append(r.reqs, captured{
		auth:   req.Header.Get("Authorization"),
		id:     req.Header.Get(HeaderRequestID),
		body:   string(body),
		tag:    req.Header.Get("X-Order"),
		replay: retried(req.Context()),
	})
	n := len(r.reqs)
	r.mu.Unlock()
	if r.before != nil {
		r.before(n, req)
	}
	resp, err := r.next.RoundTrip(req)
	if err == nil && r.after != nil {
		r.after(req)
	}
	return resp, err
}

// replayOrder lists the tags of replayed requests in the order they were sent.
func (r *recorder) replayOrder() []string {
	var tags []string
	for _, c := range r.Requests() {
		if c.replay && c.tag != "" {
			tags = append(tags, c.tag)
		}
	}
	return tags
}

func (r *recorder) Requests() []captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]captured(nil), r.reqs...)
}

type harness struct {
	backend  *testutil.Backend
	api      *authapi.Client
	coord    *refresh.Coordinator
	store    *token.Store
	rec      *recorder
	client   *http.Client
	failures atomic.Int32
	replays  sync.Map
}

func newHarness(t *testing.T, cfg refresh.Config) *harness {
	t.Helper()
	h := &harness{backend: testutil.NewBackend()}
	t.Cleanup(h.backend.Close)

	api, err := authapi.New(authapi.Config{BaseURL: h.backend.URL(), Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("authapi.New failed: %v", err)
	}
	h.api = api
	h.store = token.NewStore(storage.NewMemory())
	h.coord = refresh.New(api, h.store, cfg, refresh.WithSleep(func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	}))
	t.Cleanup(h.coord.Close)

	access, rt := h.backend.Issue()
	if _, err := h.coord.Install(context.Background(), token.Pair{AccessToken: access, RefreshToken: rt}); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	h.rec = &recorder{next: http.DefaultTransport}
	gw := New(h.rec, h.coord,
		WithAuthEndpoints(api.Paths().IsAuthEndpoint),
		WithHooks(Hooks{
			OnAuthFailure: func(error) { h.failures.Add(1) },
			OnReplay: func(reason ReplayReason) {
				n, _ := h.replays.LoadOrStore(reason, new(atomic.Int32))
				n.(*atomic.Int32).Add(1)
			},
		}),
	)
	h.client = gw.Client()
	return h
}

func (h *harness) replayCount(reason ReplayReason) int32 {
	n, ok := h.replays.Load(reason)
	if !ok {
		return 0
	}
	return n.(*atomic.Int32).Load()
}

func (h *harness) get(tag string) (int, error) {
	req, err := http.NewRequest(http.MethodGet, h.backend.URL()+"/api/lotes", nil)
	if err != nil {
		return 0, err
	}
	if tag != "" {
		req.Header.Set("X-Order", tag)
	}
	resp, err := h.client.Do(req)
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

func TestAttachesBearerAndRequestID(t *testing.T) {
	h := newHarness(t, refresh.Config{MaxRetries: 1, RetryDelay: time.Millisecond})

	status, err := h.get("")
	if err != nil || status != http.StatusOK {
		t.Fatalf("get = %d, %v", status, err)
	}
	reqs := h.rec.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].auth != "Bearer "+h.coord.Current().AccessToken {
		t.Fatalf("unexpected Authorization %q", reqs[0].auth)
	}
	if reqs[0].id == "" {
		t.Fatalf("missing request id")
	}
}

func TestForeignAuthorizationIsKept(t *testing.T) {
	h := newHarness(t, refresh.Config{})

	req, _ := http.NewRequest(http.MethodGet, h.backend.URL()+"/api/lotes", nil)
	req.Header.Set("Authorization", "Bearer caller-supplied")
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected the caller's 401 to pass through, got %d", resp.StatusCode)
	}
	if h.backend.RefreshCalls() != 0 {
		t.Fatalf("caller-authorized request must not trigger a refresh")
	}
	if got := h.rec.Requests()[0].auth; got != "Bearer caller-supplied" {
		t.Fatalf("caller header was rewritten to %q", got)
	}
}

func TestCopiedSessionBearerStillRecovers(t *testing.T) {
	h := newHarness(t, refresh.Config{MaxRetries: 1, RetryDelay: time.Millisecond})
	old := h.coord.Current().AccessToken
	h.backend.ExpireAll()

	req, _ := http.NewRequest(http.MethodGet, h.backend.URL()+"/api/lotes", nil)
	req.Header.Set("Authorization", "Bearer "+old)
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the replay to succeed, got %d", resp.StatusCode)
	}
	if n := h.backend.RefreshCalls(); n != 1 {
		t.Fatalf("expected 1 refresh, got %d", n)
	}
	reqs := h.rec.Requests()
	if len(reqs) != 2 || reqs[1].auth == "Bearer "+old {
		t.Fatalf("expected a replay with the refreshed bearer, got %+v", reqs)
	}
	if h.failures.Load() != 0 {
		t.Fatalf("recovered request reported an auth failure")
	}
}

func TestExpiredTokenRefreshesAndReplaysOnce(t *testing.T) {
	h := newHarness(t, refresh.Config{MaxRetries: 1, RetryDelay: time.Millisecond})
	h.backend.ExpireAll()

	req, _ := http.NewRequest(http.MethodPost, h.backend.URL()+"/api/lotes", strings.NewReader(`{"nombre":"norte"}`))
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after replay, got %d", resp.StatusCode)
	}
	if n := h.backend.RefreshCalls(); n != 1 {
		t.Fatalf("expected 1 refresh, got %d", n)
	}

	reqs := h.rec.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected original and replay, got %d requests", len(reqs))
	}
	if reqs[0].auth == reqs[1].auth {
		t.Fatalf("replay reused the rejected token")
	}
	if reqs[0].id != reqs[1].id {
		t.Fatalf("replay changed request id: %q vs %q", reqs[0].id, reqs[1].id)
	}
	if reqs[1].body != `{"nombre":"norte"}` {
		t.Fatalf("replay body = %q", reqs[1].body)
	}
	if h.replayCount(ReplayRefreshed) != 1 {
		t.Fatalf("expected one refreshed replay")
	}
}

func TestReplayIsNotRetriedAgain(t *testing.T) {
	h := newHarness(t, refresh.Config{})
	h.backend.ExpireAll()
	h.rec.before = func(n int, req *http.Request) {
		if n == 2 {
			h.backend.ExpireAll()
		}
	}

	status, err := h.get("")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if status != http.StatusUnauthorized {
		t.Fatalf("expected the replay's 401 to surface, got %d", status)
	}
	if n := h.backend.RefreshCalls(); n != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", n)
	}
}

func TestStaleTokenReplaysWithoutRefresh(t *testing.T) {
	h := newHarness(t, refresh.Config{})
	old := h.coord.Current().AccessToken
	h.rec.before = func(n int, req *http.Request) {
		if n != 1 {
			return
		}
		// Another caller rotated the pair while this request was on the wire.
		access, rt := h.backend.Issue()
		_, _ = h.coord.Install(context.Background(), token.Pair{AccessToken: access, RefreshToken: rt})
		h.backend.Expire(old)
	}

	status, err := h.get("")
	if err != nil || status != http.StatusOK {
		t.Fatalf("get = %d, %v", status, err)
	}
	if n := h.backend.RefreshCalls(); n != 0 {
		t.Fatalf("expected no refresh, got %d", n)
	}
	if h.replayCount(ReplayStaleToken) != 1 {
		t.Fatalf("expected one stale-token replay")
	}
}

func TestQueuedRequestsReplayInOrder(t *testing.T) {
	h := newHarness(t, refresh.Config{MaxRetries: 1, RetryDelay: time.Millisecond})
	h.backend.ExpireAll()
	release := h.backend.HoldRefresh()
	defer release()

	go func() { _, _ = h.coord.ForceRefresh(context.Background()) }()
	waitFor(t, "refresh to start", func() bool { return h.backend.RefreshCalls() == 1 })

	tags := []string{"R1", "R2", "R3"}
	errs := make(chan error, len(tags))
	for i, tag := range tags {
		tag := tag
		go func() {
			status, err := h.get(tag)
			if err == nil && status != http.StatusOK {
				err = fmt.Errorf("%s: status %d", tag, status)
			}
			errs <- err
		}()
		want := i + 1
		waitFor(t, tag+" to queue", func() bool { return h.coord.State().Pending == want })
	}

	release()
	for range tags {
		if err := <-errs; err != nil {
			t.Fatalf("queued request failed: %v", err)
		}
	}

	if got := strings.Join(h.rec.replayOrder(), ","); got != "R1,R2,R3" {
		t.Fatalf("expected replays in queue order, got %s", got)
	}
	if n := h.backend.RefreshCalls(); n != 1 {
		t.Fatalf("expected a single refresh, got %d", n)
	}
	if h.replayCount(ReplayQueued) != 3 {
		t.Fatalf("expected three queued replays, got %d", h.replayCount(ReplayQueued))
	}
}

func TestRefreshSettlesBeforeQueuedResponsesArrive(t *testing.T) {
	const replayDelay = 400 * time.Millisecond

	h := newHarness(t, refresh.Config{MaxRetries: 1, RetryDelay: time.Millisecond})
	h.backend.ExpireAll()
	release := h.backend.HoldRefresh()
	defer release()
	h.rec.after = func(req *http.Request) {
		if retried(req.Context()) {
			time.Sleep(replayDelay)
		}
	}

	settled := make(chan time.Time, 1)
	go func() {
		_, _ = h.coord.ForceRefresh(context.Background())
		settled <- time.Now()
	}()
	waitFor(t, "refresh to start", func() bool { return h.backend.RefreshCalls() == 1 })

	tags := []string{"R1", "R2", "R3"}
	errs := make(chan error, len(tags))
	for i, tag := range tags {
		tag := tag
		go func() {
			status, err := h.get(tag)
			if err == nil && status != http.StatusOK {
				err = fmt.Errorf("%s: status %d", tag, status)
			}
			errs <- err
		}()
		want := i + 1
		waitFor(t, tag+" to queue", func() bool { return h.coord.State().Pending == want })
	}

	start := time.Now()
	release()
	select {
	case at := <-settled:
		if d := at.Sub(start); d >= replayDelay {
			t.Fatalf("refresh settled after %v, it waited on queued responses", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never settled")
	}

	for range tags {
		if err := <-errs; err != nil {
			t.Fatalf("queued request failed: %v", err)
		}
	}
	if d := time.Since(start); d >= time.Duration(len(tags))*replayDelay {
		t.Fatalf("queued replays ran one response at a time (%v)", d)
	}
	if got := strings.Join(h.rec.replayOrder(), ","); got != "R1,R2,R3" {
		t.Fatalf("expected replays sent in queue order, got %s", got)
	}
	if n := len(h.backend.Served()); n != len(tags) {
		t.Fatalf("expected %d replays served, got %d", len(tags), n)
	}
}

func TestQueuedRequestsRejectOnTransientExhaustion(t *testing.T) {
	h := newHarness(t, refresh.Config{MaxRetries: 2, RetryDelay: time.Millisecond})
	h.backend.ExpireAll()
	h.backend.ScriptRefresh(http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)
	release := h.backend.HoldRefresh()
	defer release()

	go func() { _, _ = h.coord.ForceRefresh(context.Background()) }()
	waitFor(t, "refresh to start", func() bool { return h.backend.RefreshCalls() == 1 })

	errs := make(chan error, 3)
	for i := 1; i <= 3; i++ {
		go func() {
			_, err := h.get("")
			errs <- err
		}()
		want := i
		waitFor(t, "request to queue", func() bool { return h.coord.State().Pending == want })
	}

	release()
	for i := 0; i < 3; i++ {
		err := <-errs
		if !errors.Is(err, refresh.ErrRefreshExhausted) {
			t.Fatalf("expected ErrRefreshExhausted, got %v", err)
		}
	}

	rec, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !rec.Present() || !rec.HasRefresh() {
		t.Fatalf("transient failure must keep tokens")
	}
	if h.failures.Load() != 0 {
		t.Fatalf("transient failure must not report an auth failure")
	}
}

func TestRefreshRejectedReportsAuthFailure(t *testing.T) {
	h := newHarness(t, refresh.Config{MaxRetries: 3, RetryDelay: time.Millisecond})
	h.backend.ExpireAll()
	h.backend.ScriptRefresh(http.StatusForbidden)

	_, err := h.get("")
	if !errors.Is(err, authapi.ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if n := h.backend.RefreshCalls(); n != 1 {
		t.Fatalf("expected no retries after 403, got %d calls", n)
	}
	if h.failures.Load() != 1 {
		t.Fatalf("expected one auth failure, got %d", h.failures.Load())
	}
	rec, _ := h.store.Load(context.Background())
	if rec.Present() {
		t.Fatalf("tokens must be cleared after 403")
	}
}

func TestMissingRefreshTokenFailsWithoutNetwork(t *testing.T) {
	h := newHarness(t, refresh.Config{})
	access, _ := h.backend.Issue()
	if _, err := h.coord.Install(context.Background(), token.Pair{AccessToken: access}); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	h.backend.ExpireAll()

	_, err := h.get("")
	if !errors.Is(err, token.ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
	if h.backend.RefreshCalls() != 0 {
		t.Fatalf("no refresh call expected")
	}
	if h.failures.Load() != 1 {
		t.Fatalf("expected one auth failure, got %d", h.failures.Load())
	}
}

func TestAuthEndpointsAreNotIntercepted(t *testing.T) {
	h := newHarness(t, refresh.Config{})

	req, _ := http.NewRequest(http.MethodPost, h.api.URL(h.api.Paths().Login), strings.NewReader(`{"dni":"1","password":"wrong"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected login 401 to pass through, got %d", resp.StatusCode)
	}
	if h.backend.RefreshCalls() != 0 {
		t.Fatalf("login 401 must not trigger a refresh")
	}
}
