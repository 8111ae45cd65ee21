package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"

	"github.com/MrEthical07/goAuthClient/internal/rate"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/token"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID carries the per-request correlation id.
const HeaderRequestID = "X-Request-ID"

// Coordinator is the part of refresh.Coordinator the Gateway uses.
type Coordinator interface {
	Current() token.Record
	Join(ctx context.Context) (*refresh.Waiter, bool)
	ForceRefresh(ctx context.Context) (token.Record, error)
}

// ReplayReason explains why a request was sent a second time.
type ReplayReason string

const (
	// ReplayStaleToken means the token changed while the request was in flight.
	ReplayStaleToken ReplayReason = "stale_token"
	// ReplayQueued means the request waited behind another caller's refresh.
	ReplayQueued ReplayReason = "queued"
	// ReplayRefreshed means the request triggered the refresh itself.
	ReplayRefreshed ReplayReason = "refreshed"
)

// Hooks observe the gateway. All fields are optional.
type Hooks struct {
	// OnAuthFailure runs when a 401 cannot be recovered because the session is gone.
	OnAuthFailure func(err error)
	OnReplay      func(reason ReplayReason)
	OnRejected    func(err error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSpacer enforces a minimum delay between outbound requests.
func WithSpacer(s *rate.Spacer) Option {
	return func(g *Gateway) { g.spacer = s }
}

// WithAuthEndpoints excludes paths for which is returns true from 401 recovery.
func WithAuthEndpoints(is func(path string) bool) Option {
	return func(g *Gateway) {
		if is != nil {
			g.isAuthEndpoint = is
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithHooks sets observation hooks.
func WithHooks(h Hooks) Option {
	return func(g *Gateway) { g.hooks = h }
}

// Gateway is an http.RoundTripper.
type Gateway struct {
	next           http.RoundTripper
	coord          Coordinator
	spacer         *rate.Spacer
	isAuthEndpoint func(path string) bool
	logger         *zap.Logger
	hooks          Hooks
}

var _ http.RoundTripper = (*Gateway)(nil)

// New wraps next. A nil next uses http.DefaultTransport.
func New(next http.RoundTripper, coord Coordinator, opts ...Option) *Gateway {
	if next == nil {
		next = http.DefaultTransport
	}
	g := &Gateway{
		next:           next,
		coord:          coord,
		isAuthEndpoint: func(string) bool { return false },
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Client returns an http.Client that sends through g.
func (g *Gateway) Client() *http.Client {
	return &http.Client{Transport: g}
}

type retriedKey struct{}

func markRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func retried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// RoundTrip sends req, recovering once from a 401.
//
// An Authorization header that is not the session's current bearer belongs to the
// caller: it is sent untouched and its 401 is returned as is. A header carrying the
// current bearer is treated like no header at all.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	sent := g.coord.Current().AccessToken
	callerAuth := foreignAuth(req.Header.Get("Authorization"), sent)
	if callerAuth {
		sent = ""
	}
	out := prepare(ctx, req, body, sent, callerAuth)

	resp, err := g.send(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized ||
		callerAuth ||
		retried(ctx) ||
		g.isAuthEndpoint(req.URL.Path) {
		return resp, nil
	}
	discard(resp)

	return g.recover(req, out.Header.Get(HeaderRequestID), body, sent)
}

func (g *Gateway) recover(req *http.Request, requestID string, body []byte, sent string) (*http.Response, error) {
	ctx := req.Context()
	log := g.logger.With(zap.String("request_id", requestID), zap.String("path", req.URL.Path))

	cur := g.coord.Current()
	if !cur.HasRefresh() {
		log.Info("401 without refresh token")
		g.authFailure(token.ErrNoRefreshToken)
		return nil, token.ErrNoRefreshToken
	}

	if cur.AccessToken != "" && cur.AccessToken != sent {
		log.Debug("replaying with newer token")
		return g.replay(req, requestID, body, cur.AccessToken, ReplayStaleToken, nil)
	}

	if w, ok := g.coord.Join(ctx); ok {
		log.Debug("waiting behind in-flight refresh")
		rec, err := w.Wait(ctx)
		if err != nil {
			return nil, g.refreshFailed(log, err)
		}
		return g.replay(req, requestID, body, rec.AccessToken, ReplayQueued, w.Dispatched)
	}

	rec, err := g.coord.ForceRefresh(ctx)
	if err != nil {
		return nil, g.refreshFailed(log, err)
	}
	return g.replay(req, requestID, body, rec.AccessToken, ReplayRefreshed, nil)
}

// replay resends req once with access. A non-nil dispatched runs as soon as the
// request is written, or when the transport returns if it never reports the write.
func (g *Gateway) replay(req *http.Request, requestID string, body []byte, access string, reason ReplayReason, dispatched func()) (*http.Response, error) {
	ctx := markRetried(req.Context())
	if dispatched != nil {
		defer dispatched()
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			WroteRequest: func(httptrace.WroteRequestInfo) { dispatched() },
		})
	}
	out := prepare(ctx, req, body, access, false)
	out.Header.Set(HeaderRequestID, requestID)
	if g.hooks.OnReplay != nil {
		g.hooks.OnReplay(reason)
	}
	return g.send(out)
}

func (g *Gateway) send(req *http.Request) (*http.Response, error) {
	if _, err := g.spacer.Wait(req.Context()); err != nil {
		return nil, err
	}
	return g.next.RoundTrip(req)
}

func (g *Gateway) refreshFailed(log *zap.Logger, err error) error {
	if refresh.IsTerminal(err) {
		log.Info("session rejected during 401 recovery", zap.Error(err))
		g.authFailure(err)
	} else {
		log.Info("401 recovery failed", zap.Error(err))
	}
	if g.hooks.OnRejected != nil {
		g.hooks.OnRejected(err)
	}
	return fmt.Errorf("gateway: %w", err)
}

func (g *Gateway) authFailure(err error) {
	if g.hooks.OnAuthFailure != nil {
		g.hooks.OnAuthFailure(err)
	}
}

// prepare clones req onto ctx with a fresh body and the auth headers.
func prepare(ctx context.Context, req *http.Request, body []byte, access string, callerAuth bool) *http.Request {
	out := req.Clone(ctx)
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}
	if !callerAuth {
		if access != "" {
			out.Header.Set("Authorization", "Bearer "+access)
		} else {
			out.Header.Del("Authorization")
		}
	}
	if out.Header.Get(HeaderRequestID) == "" {
		out.Header.Set(HeaderRequestID, uuid.NewString())
	}
	return out
}

func foreignAuth(header, access string) bool {
	if header == "" {
		return false
	}
	return access == "" || header != "Bearer "+access
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway: read request body: %w", err)
	}
	return b, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
}

// IsRejected reports whether err came from a failed 401 recovery.
func IsRejected(err error) bool {
	return errors.Is(err, refresh.ErrRefreshExhausted) ||
		errors.Is(err, refresh.ErrSessionTerminated) ||
		refresh.IsTerminal(err)
}
