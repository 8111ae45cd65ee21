package goAuthClient

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override read by LoadConfig.
const EnvPrefix = "AUTHCLIENT_"

// LoadConfig reads a YAML file over the defaults, then applies environment overrides.
// envFiles are loaded into the environment first with godotenv (a missing file is not
// an error); variables already set in the process environment win. An empty path
// skips the YAML step.
func LoadConfig(path string, envFiles ...string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookupEnv(key); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = i
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	// API
	str("API_BASE_URL", &c.API.BaseURL)
	dur("API_REQUEST_TIMEOUT", &c.API.RequestTimeout)

	// Refresh
	dur("REFRESH_INTERVAL", &c.Refresh.RefreshInterval)
	dur("PRE_REFRESH_THRESHOLD", &c.Refresh.PreRefreshThreshold)
	integer("MAX_RETRIES", &c.Refresh.MaxRetries)
	dur("RETRY_DELAY", &c.Refresh.RetryDelay)
	boolean("ENABLE_PROACTIVE_REFRESH", &c.Refresh.EnableProactiveRefresh)

	// Requests
	dur("MIN_REQUEST_DELAY", &c.Requests.MinRequestDelay)

	// Monitor
	boolean("MONITOR_ENABLED", &c.Monitor.Enabled)
	dur("MONITOR_POLL_INTERVAL", &c.Monitor.PollInterval)
	if v, ok := lookupEnv("MONITOR_ADMIN_ROLES"); ok {
		c.Monitor.AdminRoles = splitCSV(v)
	}

	// Storage
	str("STORAGE_KIND", &c.Storage.Kind)
	str("REDIS_ADDR", &c.Storage.RedisAddr)
	integer("REDIS_DB", &c.Storage.RedisDB)
	str("REDIS_PREFIX", &c.Storage.RedisPrefix)

	// Log
	str("LOG_ENV", &c.Log.Env)
	str("LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
