package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/internal/testutil"
	otelexport "github.com/MrEthical07/goAuthClient/metrics/export/otel"
	promexport "github.com/MrEthical07/goAuthClient/metrics/export/prometheus"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	envFile    string
	redisAddr  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "authclient-loadtest",
		Short:         "Exercise the session client's refresh coordination",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML config file (optional)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file with AUTHCLIENT_ overrides")
	root.PersistentFlags().StringVar(&g.redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address; empty uses miniredis (env REDIS_ADDR)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level")

	root.AddCommand(newStormCmd(g), newSmokeCmd(g))
	return root
}

// loadConfig reads file and dotenv configuration. Flags win over both, so they are
// applied as environment overrides before validation.
func (g *globalFlags) loadConfig(baseURL string) (goAuthClient.Config, error) {
	if baseURL != "" {
		if err := os.Setenv(goAuthClient.EnvPrefix+"API_BASE_URL", baseURL); err != nil {
			return goAuthClient.Config{}, err
		}
	}
	if g.logLevel != "" {
		if err := os.Setenv(goAuthClient.EnvPrefix+"LOG_LEVEL", g.logLevel); err != nil {
			return goAuthClient.Config{}, err
		}
	}
	var envFiles []string
	if g.envFile != "" {
		envFiles = append(envFiles, g.envFile)
	}
	return goAuthClient.LoadConfig(g.configPath, envFiles...)
}

// redisClient connects to the configured address or starts an in-process miniredis.
func (g *globalFlags) redisClient(out io.Writer) (redis.UniversalClient, func(), error) {
	if g.redisAddr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{g.redisAddr}})
		fmt.Fprintf(out, "using redis at %s\n", g.redisAddr)
		return client, func() { _ = client.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Fprintf(out, "using miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

type stormFlags struct {
	concurrency int
	ops         int
	expireEvery int
	metricsAddr string
}

func newStormCmd(g *globalFlags) *cobra.Command {
	f := &stormFlags{}
	cmd := &cobra.Command{
		Use:   "storm",
		Short: "Fire concurrent requests at a fake backend while access tokens keep expiring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.concurrency <= 0 || f.ops <= 0 || f.expireEvery <= 0 {
				return errors.New("concurrency, ops and expire-every must be > 0")
			}
			return runStorm(cmd.Context(), cmd.OutOrStdout(), g, f)
		},
	}
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 64, "concurrent workers")
	cmd.Flags().IntVar(&f.ops, "ops", 20000, "total requests")
	cmd.Flags().IntVar(&f.expireEvery, "expire-every", 500, "expire every access token after this many requests")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

func runStorm(ctx context.Context, out io.Writer, g *globalFlags, f *stormFlags) error {
	backend := testutil.NewBackend()
	defer backend.Close()

	cfg, err := g.loadConfig(backend.URL())
	if err != nil {
		return err
	}
	cfg.Requests.MinRequestDelay = 0
	cfg.Monitor.Enabled = false

	rdb, cleanup, err := g.redisClient(out)
	if err != nil {
		return err
	}
	defer cleanup()

	client, err := goAuthClient.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithLogger(goAuthClient.NewLogger(cfg.Log)).
		WithNavigator(func(path string) { fmt.Fprintf(out, "navigate %s\n", path) }).
		Build()
	if err != nil {
		return err
	}
	defer client.Close()

	if f.metricsAddr != "" {
		srv := &http.Server{Addr: f.metricsAddr, Handler: promexport.NewExporter(client).Handler()}
		go func() { _ = srv.ListenAndServe() }()
		defer srv.Close()
		fmt.Fprintf(out, "metrics on http://%s/\n", f.metricsAddr)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.WithoutCancel(ctx)) }()
	exp, err := otelexport.NewExporter(provider.Meter("authclient-loadtest"), client)
	if err != nil {
		return err
	}
	defer exp.Close()

	if err := client.Login(ctx, "30111222", "secret"); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, f.ops)
		mu        sync.Mutex
	)
	url := backend.URL() + "/api/lotes"

	start := time.Now()
	for w := 0; w < f.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= f.ops {
					return
				}
				if i > 0 && i%f.expireEvery == 0 {
					backend.ExpireAll()
				}
				t0 := time.Now()
				err := get(ctx, client, url)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	stats := computeStats(time.Since(start), latencies, failures)
	snap := client.MetricsSnapshot()
	fmt.Fprintln(out, "---- results ----")
	printStats(out, "requests", stats)
	fmt.Fprintf(out, "refresh calls=%d expiries=%d replayed=%d rejected=%d\n",
		backend.RefreshCalls(),
		(f.ops-1)/f.expireEvery,
		snap.Counters[goAuthClient.MetricRequestReplayed],
		snap.Counters[goAuthClient.MetricRequestRejected],
	)
	return printSession(ctx, out, reader)
}

// printSession reports the session gauges as the OpenTelemetry reader sees them.
func printSession(ctx context.Context, out io.Writer, reader *sdkmetric.ManualReader) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}
	gauges := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[float64]); ok && len(g.DataPoints) > 0 {
				gauges[m.Name] = g.DataPoints[0].Value
			}
		}
	}
	fmt.Fprintf(out, "session active=%.0f usable=%.0f expires_in=%.0fs waiters=%.0f\n",
		gauges["authclient_session_active"],
		gauges["authclient_session_usable"],
		gauges["authclient_token_expires_in_seconds"],
		gauges["authclient_refresh_waiters"],
	)
	return nil
}

func get(ctx context.Context, client *goAuthClient.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

type smokeFlags struct {
	baseURL  string
	dni      string
	password string
}

func newSmokeCmd(g *globalFlags) *cobra.Command {
	f := &smokeFlags{}
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Log in against a real backend, read the profile and log out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.dni == "" || f.password == "" {
				return errors.New("dni and password are required (flags or AUTHCLIENT_DNI / AUTHCLIENT_PASSWORD)")
			}
			return runSmoke(cmd.Context(), cmd.OutOrStdout(), g, f)
		},
	}
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "backend base URL (overrides config)")
	cmd.Flags().StringVar(&f.dni, "dni", os.Getenv("AUTHCLIENT_DNI"), "login DNI")
	cmd.Flags().StringVar(&f.password, "password", os.Getenv("AUTHCLIENT_PASSWORD"), "login password")
	return cmd
}

func runSmoke(ctx context.Context, out io.Writer, g *globalFlags, f *smokeFlags) error {
	cfg, err := g.loadConfig(f.baseURL)
	if err != nil {
		return err
	}
	cfg.Monitor.Enabled = false
	logger := goAuthClient.NewLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	b := goAuthClient.New().WithConfig(cfg).WithLogger(logger)
	if cfg.Storage.Kind == "redis" || g.redisAddr != "" {
		rdb, cleanup, err := g.redisClient(out)
		if err != nil {
			return err
		}
		defer cleanup()
		b = b.WithRedis(rdb)
	}
	client, err := b.Build()
	if err != nil {
		return err
	}
	defer client.Close()

	t0 := time.Now()
	if err := client.Login(ctx, f.dni, f.password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintf(out, "login ok in %s, token expires %s\n",
		time.Since(t0).Round(time.Millisecond),
		client.State().Record.ExpiresAt.Format(time.RFC3339))

	prof, err := client.Profile(ctx)
	if err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	fmt.Fprintf(out, "role=%s grants=%d\n", prof.RoleName(), prof.Snapshot().Len())

	if err := client.Logout(ctx); err != nil {
		logger.Warn("logout failed", zap.Error(err))
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Fprintln(out, "logout ok")
	return nil
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(out io.Writer, name string, s phaseStats) {
	fmt.Fprintf(out, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
