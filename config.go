package goAuthClient

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/goAuthClient/authapi"
)

// Config is the complete client configuration. Start from DefaultConfig (or
// LoadConfig) and override what you need.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Refresh    RefreshConfig    `yaml:"refresh"`
	Requests   RequestsConfig   `yaml:"requests"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Storage    StorageConfig    `yaml:"storage"`
	Navigation NavigationConfig `yaml:"navigation"`
	Log        LogConfig        `yaml:"log"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

/*
====================================
API CONFIG
====================================
*/

// APIConfig locates the backend.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	// RequestTimeout bounds each call to an auth endpoint.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Paths          PathsConfig   `yaml:"paths"`
}

// PathsConfig holds the endpoint paths relative to BaseURL.
type PathsConfig struct {
	Login   string `yaml:"login"`
	Refresh string `yaml:"refresh"`
	Logout  string `yaml:"logout"`
	Verify  string `yaml:"verify"`
	Profile string `yaml:"profile"`
}

func (p PathsConfig) toAPI() authapi.Paths {
	return authapi.Paths{
		Login:   p.Login,
		Refresh: p.Refresh,
		Logout:  p.Logout,
		Verify:  p.Verify,
		Profile: p.Profile,
	}
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig drives the refresh coordinator and the scheduler.
type RefreshConfig struct {
	// RefreshInterval is the periodic backstop timer.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// PreRefreshThreshold is how long before exp the pre-expiry timer fires.
	PreRefreshThreshold time.Duration `yaml:"pre_refresh_threshold"`
	MaxRetries          int           `yaml:"max_retries"`
	// RetryDelay is the backoff after the first failed attempt; it doubles per retry.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// EnableProactiveRefresh arms both timers. When false, refresh happens only on a 401.
	EnableProactiveRefresh bool `yaml:"enable_proactive_refresh"`
}

// RequestsConfig shapes outbound traffic.
type RequestsConfig struct {
	// MinRequestDelay is the minimum spacing between requests sent through the gateway.
	MinRequestDelay time.Duration `yaml:"min_request_delay"`
}

// MonitorConfig drives permission drift detection.
type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	AdminRoles   []string      `yaml:"admin_roles"`
}

// StorageConfig selects where the token pair and permission snapshot are persisted.
// It is ignored when the builder is given a KV or a redis client.
type StorageConfig struct {
	// Kind is "memory" or "redis".
	Kind        string `yaml:"kind"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// NavigationConfig names the routes the client navigates to.
type NavigationConfig struct {
	LoginPath string `yaml:"login_path"`
}

// AuditConfig controls the audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	paths := authapi.DefaultPaths()
	return Config{
		API: APIConfig{
			RequestTimeout: 10 * time.Second,
			Paths: PathsConfig{
				Login:   paths.Login,
				Refresh: paths.Refresh,
				Logout:  paths.Logout,
				Verify:  paths.Verify,
				Profile: paths.Profile,
			},
		},
		Refresh: RefreshConfig{
			RefreshInterval:        120 * time.Second,
			PreRefreshThreshold:    30 * time.Second,
			MaxRetries:             3,
			RetryDelay:             1 * time.Second,
			EnableProactiveRefresh: true,
		},
		Requests: RequestsConfig{
			MinRequestDelay: 100 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
			AdminRoles:   []string{"ADMIN", "ADMINISTRADOR"},
		},
		Storage: StorageConfig{
			Kind:        "memory",
			RedisPrefix: "authclient",
		},
		Navigation: NavigationConfig{
			LoginPath: "/Login",
		},
		Log: LogConfig{
			Env:   "prod",
			Level: "info",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Monitor.AdminRoles = append([]string(nil), cfg.Monitor.AdminRoles...)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	// API
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("API BaseURL is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("API BaseURL must be an absolute URL")
	}
	if c.API.RequestTimeout < 0 {
		return errors.New("API RequestTimeout must be >= 0")
	}
	if c.API.Paths.Login == "" || c.API.Paths.Refresh == "" {
		return errors.New("API Paths Login and Refresh are required")
	}
	if c.API.Paths.Login == c.API.Paths.Refresh {
		return errors.New("API Paths Login and Refresh must differ")
	}

	// Refresh
	if c.Refresh.MaxRetries < 0 {
		return errors.New("Refresh MaxRetries must be >= 0")
	}
	if c.Refresh.RetryDelay < 0 {
		return errors.New("Refresh RetryDelay must be >= 0")
	}
	if c.Refresh.EnableProactiveRefresh {
		if c.Refresh.RefreshInterval <= 0 {
			return errors.New("Refresh RefreshInterval must be > 0 when proactive refresh is enabled")
		}
		if c.Refresh.PreRefreshThreshold < 0 {
			return errors.New("Refresh PreRefreshThreshold must be >= 0")
		}
	}

	// Requests
	if c.Requests.MinRequestDelay < 0 {
		return errors.New("Requests MinRequestDelay must be >= 0")
	}

	// Monitor
	if c.Monitor.Enabled && c.Monitor.PollInterval <= 0 {
		return errors.New("Monitor PollInterval must be > 0 when the monitor is enabled")
	}
	if c.Monitor.Enabled && c.API.Paths.Profile == "" {
		return errors.New("API Paths Profile is required when the monitor is enabled")
	}

	// Storage
	switch c.Storage.Kind {
	case "", "memory":
	case "redis":
		if c.Storage.RedisAddr == "" {
			return errors.New("Storage RedisAddr is required for redis storage")
		}
	default:
		return errors.New("Storage Kind must be memory or redis")
	}

	// Navigation
	if !strings.HasPrefix(c.Navigation.LoginPath, "/") {
		return errors.New("Navigation LoginPath must start with /")
	}

	// Log
	switch strings.ToLower(c.Log.Env) {
	case "", "dev", "prod":
	default:
		return errors.New("Log Env must be dev or prod")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}
