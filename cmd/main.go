package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angeloszaimis/api-gateway/config"
	"github.com/angeloszaimis/api-gateway/internal/backend"
	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/api-gateway/internal/handler"
	"github.com/angeloszaimis/api-gateway/internal/healthcheck"
	"github.com/angeloszaimis/api-gateway/internal/httpserver"
	"github.com/angeloszaimis/api-gateway/internal/identity"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
	"github.com/angeloszaimis/api-gateway/internal/ratelimit"
	"github.com/angeloszaimis/api-gateway/internal/registry"
	"github.com/angeloszaimis/api-gateway/internal/reqctx"
	"github.com/angeloszaimis/api-gateway/internal/retry"
	"github.com/angeloszaimis/api-gateway/internal/status"
	"github.com/angeloszaimis/api-gateway/pkg/logger"
)

const metricsBufferSize = 4096

func main() {
	configPath := flag.String("config", "", "path to the config file (default: ./config/config.yaml or ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg, err := buildRegistry(cfg)
	if err != nil {
		log.Error("Failed to build service registry", slog.Any("err", err))
		os.Exit(1)
	}

	collector := metrics.NewCollector(metricsBufferSize, log)
	collector.Track(reg.Names()...)
	collector.Start(ctx)

	breakers := buildBreakers(reg, log, collector)
	backends := backend.ForRegistry(reg, backend.NewTransport())

	prober := healthcheck.NewProber(reg, cfg.HealthCheck.Interval, cfg.HealthCheck.Timeout, log,
		healthcheck.WithEventSink(collector))
	go prober.Run(ctx)

	limiter, closeLimiter, err := buildRateLimiter(ctx, cfg, log, collector)
	if err != nil {
		log.Error("Failed to create rate limiter", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeLimiter()

	gateway := handler.NewGatewayHandler(log, reg, breakers, backends, collector, handler.Options{
		Retry:        retryPolicy(cfg.Retry),
		MaxBodyBytes: cfg.Retry.MaxBodyBytes,
		Verbose:      cfg.Server.Environment != config.EnvProd,
	})
	statusHandler := status.NewHandler(log, prober, breakers, backends)
	proxies, err := reqctx.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		log.Error("Failed to parse trusted proxies", slog.Any("err", err))
		os.Exit(1)
	}
	if len(cfg.Server.AdminAPIKeys) == 0 {
		log.Warn("No admin API keys configured, any known API key may reset breakers")
	}

	router := setupRouter(gateway, statusHandler, collector, limiter, access{
		resolver:  identity.NewResolver(cfg.Identity.JWTSecret, cfg.Identity.APIKeys, log),
		proxies:   proxies,
		adminKeys: cfg.Server.AdminAPIKeys,
	})

	srv, err := httpserver.NewWithTimeouts(cfg.Server.Address, router, httpserver.Timeouts{
		Read:     cfg.Server.ReadTimeout,
		Write:    cfg.Server.WriteTimeout,
		Idle:     cfg.Server.IdleTimeout,
		Shutdown: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- srv.Start()
	}()

	log.Info("API gateway listening",
		slog.String("addr", cfg.Server.Address),
		slog.String("api_prefix", cfg.Server.APIPrefix),
		slog.Int("services", reg.Len()))

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting API gateway", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

// buildRegistry turns the services section into the routing table. Public
// prefixes are mounted under the API prefix.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	names := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	endpoints := make([]registry.ServiceEndpoint, 0, len(names))
	for _, name := range names {
		svc := cfg.Services[name]

		u, err := url.Parse(svc.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("service %s: parse base url: %w", name, err)
		}

		prefix := registry.JoinPath(cfg.Server.APIPrefix, svc.Prefix)
		e := registry.NewServiceEndpoint(name, u, prefix, svc.IdempotentMethods...)
		if svc.HealthPath != "" {
			e.HealthPath = svc.HealthPath
		}
		if svc.Capability != "" {
			e.Capability = svc.Capability
		}
		e.Critical = svc.Critical
		e.Timeout = svc.Timeout
		e.Retries = svc.Retries
		e.Breaker = breakerSettings(svc.EffectiveBreaker(cfg.Breaker))

		endpoints = append(endpoints, e)
	}

	return registry.New(endpoints...)
}

func breakerSettings(bc config.BreakerConfig) circuitbreaker.Settings {
	return circuitbreaker.Settings{
		FailureThreshold:  bc.FailureThreshold,
		VolumeThreshold:   bc.VolumeThreshold,
		RollingWindow:     bc.RollingWindow,
		OpenDuration:      bc.OpenDuration,
		MaxOpenDuration:   bc.MaxOpenDuration,
		BackoffMultiplier: bc.BackoffMultiplier,
	}
}

// buildBreakers creates one breaker per service. Transitions are logged and
// forwarded to the metrics sink.
func buildBreakers(reg *registry.Registry, log *slog.Logger, sink metrics.Sink) *circuitbreaker.Registry {
	hook := func(name string, from, to circuitbreaker.State) {
		level := slog.LevelWarn
		if to == circuitbreaker.StateClosed {
			level = slog.LevelInfo
		}
		log.Log(context.Background(), level, "Circuit breaker state changed",
			slog.String("service", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))

		sink.Emit(metrics.MetricEvent{
			Type:      metrics.EventBreakerTransition,
			Timestamp: time.Now(),
			Service:   name,
			From:      from.String(),
			To:        to.String(),
		})
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.WithStateChangeHook(hook))
	for _, e := range reg.Endpoints() {
		breakers.Register(e.Name, e.Breaker)
	}
	return breakers
}

func retryPolicy(rc config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if rc.BaseDelay > 0 {
		p.BaseDelay = rc.BaseDelay
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	if rc.Multiplier >= 1 {
		p.Multiplier = rc.Multiplier
	}
	p.Jitter = rc.Jitter
	return p
}

// buildRateLimiter returns nil when rate limiting is disabled. The returned
// close function releases the counter's resources and is always non-nil.
func buildRateLimiter(ctx context.Context, cfg *config.Config, log *slog.Logger, sink metrics.Sink) (*ratelimit.Limiter, func(), error) {
	rl := cfg.RateLimit
	if !rl.Enabled {
		log.Info("Rate limiting disabled")
		return nil, func() {}, nil
	}

	var (
		counter ratelimit.Counter
		closeFn = func() {}
	)

	switch rl.Backend {
	case config.RateLimitBackendMemory:
		counter = ratelimit.NewMemoryCounter()
	case config.RateLimitBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     rl.Redis.Address,
			Password: rl.Redis.Password,
			DB:       rl.Redis.DB,
		})
		rc := ratelimit.NewRedisCounter(client, rl.Redis.Prefix, log)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			// the local token bucket covers until redis comes back
			log.Warn("Redis unreachable, rate limiting will fall back to local buckets",
				slog.String("addr", rl.Redis.Address),
				slog.String("error", err.Error()))
		}

		counter = rc
		closeFn = func() {
			if err := rc.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				log.Error("Failed to close redis client", slog.Any("err", err))
			}
		}
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", rl.Backend)
	}

	limiter := ratelimit.New(ratelimit.Config{
		Requests:      rl.Requests,
		Window:        rl.Window,
		DelayAfter:    rl.DelayAfter,
		DelayStep:     rl.DelayStep,
		MaxDelay:      rl.MaxDelay,
		FallbackRPS:   rl.FallbackRPS,
		FallbackBurst: rl.FallbackBurst,
	}, counter, log, ratelimit.WithEventSink(sink))

	log.Info("Rate limiting enabled",
		slog.String("backend", rl.Backend),
		slog.Int("requests", rl.Requests),
		slog.Duration("window", rl.Window))

	return limiter, closeFn, nil
}
