package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/goAuthClient/token"
)

const maxErrorBody = 512

// Paths holds the endpoint paths relative to BaseURL.
type Paths struct {
	Login   string
	Refresh string
	Logout  string
	Verify  string
	Profile string
}

// DefaultPaths returns the farm backend's endpoint layout.
func DefaultPaths() Paths {
	return Paths{
		Login:   "/auth/login",
		Refresh: "/auth/refresh",
		Logout:  "/auth/logout",
		Verify:  "/auth/verify-token",
		Profile: "/usuarios/me",
	}
}

// IsAuthEndpoint reports whether path is the login or refresh endpoint. Those calls
// must never trigger refresh coordination.
func (p Paths) IsAuthEndpoint(path string) bool {
	path = strings.TrimRight(path, "/")
	return hasPathSuffix(path, p.Login) || hasPathSuffix(path, p.Refresh)
}

func hasPathSuffix(path, suffix string) bool {
	suffix = strings.TrimRight(suffix, "/")
	return suffix != "" && strings.HasSuffix(path, suffix)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Paths   Paths
	Timeout time.Duration
}

// Client talks to the authentication endpoints.
//
// Auth endpoints go through the raw http.Client; Me goes through the profile client,
// which is normally the gateway-wrapped client so the bearer token is attached.
type Client struct {
	base    *url.URL
	paths   Paths
	raw     *http.Client
	profile *http.Client
}

// New creates a Client. raw may be nil, in which case a client with cfg.Timeout is used.
func New(cfg Config, raw *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if raw == nil {
		raw = &http.Client{Timeout: cfg.Timeout}
	}
	paths := cfg.Paths
	if paths == (Paths{}) {
		paths = DefaultPaths()
	}
	return &Client{
		base:    base,
		paths:   paths,
		raw:     raw,
		profile: raw,
	}, nil
}

// WithProfileClient returns a copy of c whose Me calls use hc.
func (c *Client) WithProfileClient(hc *http.Client) *Client {
	cp := *c
	cp.profile = hc
	return &cp
}

// Paths returns the configured endpoint paths.
func (c *Client) Paths() Paths {
	return c.paths
}

// URL resolves path against the base URL.
func (c *Client) URL(path string) string {
	return c.base.String() + "/" + strings.TrimLeft(path, "/")
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, dni, password string) (token.Pair, error) {
	var out tokenResponse
	err := c.doJSON(ctx, c.raw, "login", http.MethodPost, c.paths.Login, "", loginRequest{DNI: dni, Password: password}, &out)
	if err != nil {
		return token.Pair{}, err
	}
	if out.AccessToken == "" {
		return token.Pair{}, fmt.Errorf("login: %w: empty access_token", ErrDecode)
	}
	return token.Pair{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

// Refresh mints a new pair. When the server omits refresh_token the returned pair
// carries the one that was sent.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	var out tokenResponse
	err := c.doJSON(ctx, c.raw, "refresh", http.MethodPost, c.paths.Refresh, "", refreshRequest{RefreshToken: refreshToken}, &out)
	if err != nil {
		return token.Pair{}, err
	}
	if out.AccessToken == "" {
		return token.Pair{}, fmt.Errorf("refresh: %w: empty access_token", ErrDecode)
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return token.Pair{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

// Logout revokes the session server-side.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.doJSON(ctx, c.raw, "logout", http.MethodPost, c.paths.Logout, accessToken, nil, nil)
}

// VerifyToken asks the server whether accessToken is still accepted.
func (c *Client) VerifyToken(ctx context.Context, accessToken string) error {
	return c.doJSON(ctx, c.raw, "verify", http.MethodGet, c.paths.Verify, accessToken, nil, nil)
}

// Me fetches the caller's profile and permissions.
func (c *Client) Me(ctx context.Context) (Profile, error) {
	var out Profile
	if err := c.doJSON(ctx, c.profile, "profile", http.MethodGet, c.paths.Profile, "", nil, &out); err != nil {
		return Profile{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, hc *http.Client, op, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return fmt.Errorf("%s: %w", op, err)
		}
		// The gateway surfaces refresh outcomes as transport errors; keep their class.
		if errors.Is(err, ErrAuthRejected) || errors.Is(err, token.ErrNoRefreshToken) || IsTransient(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrDecode, err)
	}
	return nil
}
