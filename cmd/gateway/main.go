// Command gateway runs the zero-trust proxy gateway: it loads
// configuration, wires every component in pkg/, and serves the HTTP
// surface of spec.md §6 until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/redis/go-redis/v9"

	"github.com/zerogate/gateway/pkg/adapter"
	"github.com/zerogate/gateway/pkg/breaker"
	"github.com/zerogate/gateway/pkg/cache"
	"github.com/zerogate/gateway/pkg/chaos"
	"github.com/zerogate/gateway/pkg/cipher"
	"github.com/zerogate/gateway/pkg/config"
	"github.com/zerogate/gateway/pkg/housekeeping"
	"github.com/zerogate/gateway/pkg/httpapi"
	"github.com/zerogate/gateway/pkg/idempotency"
	"github.com/zerogate/gateway/pkg/identity"
	"github.com/zerogate/gateway/pkg/metrics"
	"github.com/zerogate/gateway/pkg/policy"
	"github.com/zerogate/gateway/pkg/proxy"
	"github.com/zerogate/gateway/pkg/ratelimit"
	"github.com/zerogate/gateway/pkg/retry"
	"github.com/zerogate/gateway/pkg/run"
	"github.com/zerogate/gateway/pkg/secrets"
	"github.com/zerogate/gateway/pkg/sse"
	"github.com/zerogate/gateway/pkg/store"
	"github.com/zerogate/gateway/pkg/telemetry"
)

func main() {
	os.Exit(run0())
}

// run0 is split out from main so exit codes stay testable without os.Exit
// tearing down the process mid-assertion.
func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, agentStore, policyStore, idemStore, err := setupStores(ctx, cfg)
	if err != nil {
		logger.Error("store setup failed", "error", err)
		return 2
	}
	if db != nil {
		defer db.Close()
	}

	gwPriv, err := cipher.DecodePrivateKeyPEM(cfg.GatewayPrivateKeyPEM)
	if err != nil {
		logger.Error("invalid GATEWAY_PRIVATE_KEY", "error", err)
		return 1
	}
	codec := cipher.NewCodec(gwPriv, cfg.SigningSecret, cfg.PreviousSigningSecret)

	m := metrics.New()
	identitySvc := identity.NewService(codec, agentStore, m)

	policyEngine, err := policy.NewEngine(policyStore)
	if err != nil {
		logger.Error("policy engine init failed", "error", err)
		return 1
	}

	secretStore, err := secrets.NewStore(cfg.SigningSecret, true)
	if err != nil {
		logger.Error("secret store init failed", "error", err)
		return 1
	}
	if err := secretStore.LoadAll(cfg.Secrets); err != nil {
		logger.Error("loading secrets failed", "error", err)
		return 1
	}

	limiter := setupLimiter(cfg, logger)
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		WindowDuration:    cfg.BreakerWindow,
		OpenDuration:      cfg.BreakerOpenDuration,
		HalfOpenMaxProbes: cfg.BreakerHalfOpenProbes,
	})
	retryExec := retry.New(retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	}, retry.NewAllowlist(cfg.IdempotentActions))

	toolAdapter := setupAdapter(cfg)

	var chaosInjector *chaos.Injector
	if bool(cfg.FFChaos) {
		chaosInjector = chaos.New(chaos.Config{
			Enabled:       true,
			LatencyChance: 0.05,
			LatencyMin:    50 * time.Millisecond,
			LatencyMax:    500 * time.Millisecond,
			ErrorChance:   0.02,
			TimeoutChance: 0.01,
		})
	}

	telemetrySink := telemetry.Sink(telemetry.NoopSink{})
	if os.Getenv("TELEMETRY_LOG") != "" {
		telemetrySink = telemetry.NewSlogSink(logger)
	}

	broker := sse.NewBroker(0)
	runs := run.NewStore()

	pipeline := &proxy.Pipeline{
		Identity:          identitySvc,
		Policy:            policyEngine,
		RateLimiter:       limiter,
		Idempotency:       idemStore,
		Cache:             cache.New(10_000),
		Breakers:          breakers,
		Secrets:           secretStore,
		Adapter:           toolAdapter,
		Retry:             retryExec,
		Chaos:             chaosInjector,
		Metrics:           m,
		Telemetry:         telemetrySink,
		CacheEnabled:      bool(cfg.FFCache),
		BreakersEnabled:   bool(cfg.FFBreakers),
		RateLimitPerAgent: cfg.RateLimitPerMinute,
		RateLimitWindow:   time.Minute,
		CacheTTLs:         cfg.CacheTTLs,
		DefaultCacheTTL:   cfg.DefaultCacheTTL,
		DefaultTimeout:    cfg.HTTPTimeout,
	}
	if !bool(cfg.FFRetry) {
		pipeline.Retry = retry.New(retry.Policy{MaxAttempts: 1, BaseDelay: cfg.RetryBaseDelay}, retry.NewAllowlist(cfg.IdempotentActions))
	}

	scheduler := housekeeping.NewScheduler(logger)
	registerSweepers(scheduler, pipeline, limiter, idemStore)
	scheduler.Start()
	defer scheduler.Stop(context.Background())

	router := httpapi.NewRouter(httpapi.Deps{
		Identity: identitySvc,
		Pipeline: pipeline,
		Runs:     runs,
		SSE:      broker,
		Metrics:  m,
		Version:  "dev",
		ReadyCheck: func() error {
			if db == nil {
				return nil
			}
			return db.PingContext(context.Background())
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTPTimeout,
		WriteTimeout: cfg.HTTPTimeout * 2,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", cfg.Port)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}

	logger.Info("gateway stopped")
	return 0
}

// setupStores builds the Agent/Policy/Idempotency stores, Postgres-backed
// when DATABASE_URL is set and in-memory otherwise. A Postgres connection
// that fails to ping is a boot-time failure (spec.md §6 exit code 2).
func setupStores(ctx context.Context, cfg *config.Config) (*sql.DB, store.AgentStore, store.PolicyStore, idempotency.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, store.NewMemoryAgentStore(), store.NewMemoryPolicyStore(), idempotency.NewMemoryStore(cfg.IdempotencyTTL), nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("gateway: open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, nil, nil, fmt.Errorf("gateway: ping postgres: %w", err)
	}

	return db, store.NewPostgresAgentStore(db), store.NewPostgresPolicyStore(db), idempotency.NewPostgresStore(db, cfg.IdempotencyTTL), nil
}

func setupLimiter(cfg *config.Config, logger *slog.Logger) ratelimit.Limiter {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info("rate limiter backed by redis", "addr", cfg.RedisAddr)
	return ratelimit.NewRedisLimiter(client)
}

func setupAdapter(cfg *config.Config) adapter.Adapter {
	if cfg.UpstreamMode == "mock" {
		return adapter.NewMockAdapter(nil)
	}
	endpoints := map[string]adapter.Endpoint{
		"serpapi:search": {URL: "https://serpapi.com/search", Method: http.MethodGet},
		"http_fetch:get": {URL: "", Method: http.MethodGet},
		"gmail_send:send": {
			URL:    "https://gmail.googleapis.com/gmail/v1/users/me/messages/send",
			Method: http.MethodPost,
		},
	}
	return adapter.NewLiveAdapter(&http.Client{Timeout: cfg.HTTPTimeout}, endpoints)
}

// registerSweepers wires the janitor jobs r3e's cron-based scheduling idiom
// inspired: cache, rate-limit shards, and idempotency records all bound
// their own memory growth independently.
func registerSweepers(s *housekeeping.Scheduler, p *proxy.Pipeline, limiter ratelimit.Limiter, idemStore idempotency.Store) {
	_ = s.Register("*/5 * * * *", housekeeping.Sweeper{
		Name: "cache",
		Run:  p.Cache.Sweep,
	})

	if mem, ok := limiter.(*ratelimit.MemoryLimiter); ok {
		_ = s.Register("*/10 * * * *", housekeeping.Sweeper{
			Name: "ratelimit",
			Run:  func() int { return mem.Sweep(2 * time.Hour) },
		})
	}

	switch is := idemStore.(type) {
	case *idempotency.MemoryStore:
		_ = s.Register("0 * * * *", housekeeping.Sweeper{
			Name: "idempotency",
			Run:  is.Sweep,
		})
	case *idempotency.PostgresStore:
		_ = s.Register("0 * * * *", housekeeping.Sweeper{
			Name: "idempotency",
			Run: func() int {
				if err := is.Cleanup(context.Background()); err != nil {
					slog.Error("idempotency cleanup failed", "error", err)
					return 0
				}
				return 1
			},
		})
	}
}
