package goAuthClient

import (
	"errors"
	"net/http"

	"github.com/MrEthical07/goAuthClient/authapi"
	"github.com/MrEthical07/goAuthClient/gateway"
	"github.com/MrEthical07/goAuthClient/internal/rate"
	"github.com/MrEthical07/goAuthClient/monitor"
	"github.com/MrEthical07/goAuthClient/permission"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/scheduler"
	"github.com/MrEthical07/goAuthClient/storage"
	"github.com/MrEthical07/goAuthClient/token"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Navigator moves the application to a route, e.g. "/Login".
type Navigator func(path string)

// InvalidationHandler is told when the signed-in user's permissions changed.
type InvalidationHandler func(d monitor.Drift)

// PushChannel delivers real-time permission change notifications.
type PushChannel = monitor.PushChannel

// Builder assembles a Client. A Builder can build once.
type Builder struct {
	config Config

	kv        storage.KV
	redis     redis.UniversalClient
	transport http.RoundTripper
	logger    *zap.Logger

	navigator     Navigator
	auditSink     AuditSink
	push          PushChannel
	onInvalidated InvalidationHandler

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithBaseURL sets API.BaseURL.
func (b *Builder) WithBaseURL(u string) *Builder {
	b.config.API.BaseURL = u
	return b
}

// WithStorage persists tokens and the permission snapshot in kv. It takes precedence
// over WithRedis and Config.Storage.
func (b *Builder) WithStorage(kv storage.KV) *Builder {
	b.kv = kv
	return b
}

// WithRedis persists state in redis under Config.Storage.RedisPrefix. The Client does
// not close a client it was given.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithTransport sets the transport under the gateway. Defaults to http.DefaultTransport.
func (b *Builder) WithTransport(rt http.RoundTripper) *Builder {
	b.transport = rt
	return b
}

// WithLogger sets the logger. Without it one is built from Config.Log.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithNavigator sets the navigation callback used when the session ends.
func (b *Builder) WithNavigator(n Navigator) *Builder {
	b.navigator = n
	return b
}

// WithAuditSink sets the audit sink. Audit must also be enabled in the config.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithPushChannel subscribes the permission monitor to pc while a session is active.
func (b *Builder) WithPushChannel(pc PushChannel) *Builder {
	b.push = pc
	return b
}

// WithInvalidationHandler sets the callback for raised permission invalidations.
func (b *Builder) WithInvalidationHandler(fn InvalidationHandler) *Builder {
	b.onInvalidated = fn
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the components. It performs no I/O.
func (b *Builder) Build() (*Client, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = NewLogger(cfg.Log)
	}

	c := &Client{
		config:        cfg,
		logger:        logger,
		navigate:      b.navigator,
		push:          b.push,
		onInvalidated: b.onInvalidated,
		metrics:       NewMetrics(cfg.Metrics),
		audit:         newAuditDispatcher(cfg.Audit, b.auditSink),
	}
	if c.navigate == nil {
		c.navigate = func(path string) {
			logger.Info("navigation requested without a navigator", zap.String("path", path))
		}
	}

	// -------- STORAGE --------
	kv := b.kv
	switch {
	case kv != nil:
	case b.redis != nil:
		kv = storage.NewRedis(b.redis, cfg.Storage.RedisPrefix)
	case cfg.Storage.Kind == "redis":
		rc := redis.NewClient(&redis.Options{
			Addr: cfg.Storage.RedisAddr,
			DB:   cfg.Storage.RedisDB,
		})
		kv = storage.NewRedis(rc, cfg.Storage.RedisPrefix)
		c.closers = append(c.closers, rc.Close)
	default:
		kv = storage.NewMemory()
	}

	transport := b.transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	// -------- AUTH API --------
	api, err := authapi.New(authapi.Config{
		BaseURL: cfg.API.BaseURL,
		Paths:   cfg.API.Paths.toAPI(),
		Timeout: cfg.API.RequestTimeout,
	}, &http.Client{Transport: transport, Timeout: cfg.API.RequestTimeout})
	if err != nil {
		return nil, err
	}

	// -------- REFRESH COORDINATOR --------
	c.coord = refresh.New(api, token.NewStore(kv), refresh.Config{
		MaxRetries:     cfg.Refresh.MaxRetries,
		RetryDelay:     cfg.Refresh.RetryDelay,
		AttemptTimeout: cfg.API.RequestTimeout,
	},
		refresh.WithLogger(logger.Named("refresh")),
		refresh.WithHooks(c.refreshHooks()),
	)

	// -------- GATEWAY --------
	c.gateway = gateway.New(transport, c.coord,
		gateway.WithSpacer(rate.NewSpacer(cfg.Requests.MinRequestDelay)),
		gateway.WithAuthEndpoints(api.Paths().IsAuthEndpoint),
		gateway.WithLogger(logger.Named("gateway")),
		gateway.WithHooks(c.gatewayHooks()),
	)
	c.httpClient = c.gateway.Client()
	c.api = api.WithProfileClient(c.httpClient)

	// -------- SCHEDULER --------
	c.sched = scheduler.New(c.coord, scheduler.Config{
		Enabled:             cfg.Refresh.EnableProactiveRefresh,
		RefreshInterval:     cfg.Refresh.RefreshInterval,
		PreRefreshThreshold: cfg.Refresh.PreRefreshThreshold,
		FailureBackoff:      cfg.Refresh.RetryDelay,
	},
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithFireHook(func(scheduler.Kind, error) { c.metrics.Inc(MetricScheduledRefresh) }),
	)
	c.coord.OnChange(c.sched.Rearm)

	// -------- PERMISSION MONITOR --------
	c.monitor = monitor.New(c.api, c.coord, permission.NewStore(kv), monitor.Config{
		PollInterval: cfg.Monitor.PollInterval,
		AdminRoles:   cfg.Monitor.AdminRoles,
	},
		monitor.WithLogger(logger.Named("monitor")),
		monitor.WithHooks(c.monitorHooks()),
	)

	b.built = true

	return c, nil
}
