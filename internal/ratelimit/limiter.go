package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/angeloszaimis/api-gateway/internal/apierr"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
	"github.com/angeloszaimis/api-gateway/internal/reqctx"
	"github.com/angeloszaimis/api-gateway/internal/retry"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

type Config struct {
	Requests      int
	Window        time.Duration
	DelayAfter    int
	DelayStep     time.Duration
	MaxDelay      time.Duration
	FallbackRPS   float64
	FallbackBurst int
}

// Decision is the outcome for one request.
type Decision struct {
	Allowed   bool
	Count     int64
	Remaining int64
	ResetIn   time.Duration
	Delay     time.Duration
	// Fallback is set when the local token bucket decided.
	Fallback bool
}

type Option func(*Limiter)

func WithEventSink(sink metrics.Sink) Option {
	return func(l *Limiter) {
		l.sink = sink
	}
}

// WithSleep replaces the delay function, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.sleep = sleep
	}
}

// WithClock replaces time.Now for the local fallback buckets.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

type Limiter struct {
	cfg      Config
	counter  Counter
	fallback *tokenBuckets
	logger   *slog.Logger
	sink     metrics.Sink
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

func New(cfg Config, counter Counter, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		counter: counter,
		logger:  logger,
		sink:    metrics.Discard,
		sleep:   retry.Sleep,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.fallback = newTokenBuckets(cfg.FallbackRPS, cfg.FallbackBurst, l.now)
	return l
}

// Decide counts one hit for key.
func (l *Limiter) Decide(ctx context.Context, key string) Decision {
	count, resetIn, err := l.counter.Increment(ctx, key, l.cfg.Window)
	if err != nil {
		l.logger.WarnContext(ctx, "Rate limit counter unavailable, using local fallback",
			slog.String("key", key),
			slog.String("error", err.Error()))
		allowed := l.fallback.Allow(key)
		return Decision{Allowed: allowed, Fallback: true, ResetIn: time.Second}
	}

	d := Decision{
		Allowed: count <= int64(l.cfg.Requests),
		Count:   count,
		ResetIn: resetIn,
	}
	if remaining := int64(l.cfg.Requests) - count; remaining > 0 {
		d.Remaining = remaining
	}
	d.Delay = l.delayFor(count)
	return d
}

// delayFor grows by DelayStep for every hit past DelayAfter.
func (l *Limiter) delayFor(count int64) time.Duration {
	if l.cfg.DelayAfter <= 0 || l.cfg.DelayStep <= 0 || count <= int64(l.cfg.DelayAfter) {
		return 0
	}
	over := count - int64(l.cfg.DelayAfter)
	d := time.Duration(over) * l.cfg.DelayStep
	if l.cfg.MaxDelay > 0 && d > l.cfg.MaxDelay {
		d = l.cfg.MaxDelay
	}
	return d
}

// Middleware enforces the limit before next runs.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientKey(r)
		d := l.Decide(r.Context(), key)

		if !d.Fallback {
			w.Header().Set(HeaderLimit, strconv.Itoa(l.cfg.Requests))
			w.Header().Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
			w.Header().Set(HeaderReset, strconv.Itoa(int(d.ResetIn.Round(time.Second)/time.Second)))
		}

		if !d.Allowed {
			l.sink.Emit(metrics.MetricEvent{Type: metrics.EventRateLimited, Reason: "rejected"})
			l.logger.InfoContext(r.Context(), "Rate limit exceeded",
				slog.String("key", key),
				slog.Int64("count", d.Count))
			apierr.Write(w, r, apierr.RateLimited(d.ResetIn), false)
			return
		}

		if d.Delay > 0 {
			l.sink.Emit(metrics.MetricEvent{Type: metrics.EventRateLimited, Reason: "delayed", Duration: d.Delay})
			if err := l.sleep(r.Context(), d.Delay); err != nil {
				// caller went away while being slowed down
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// ClientKey identifies the caller for rate limiting, preferring the API key,
// then the user, then the client address. The address honours
// X-Forwarded-For only from trusted proxies.
func ClientKey(r *http.Request) string {
	if pc, ok := reqctx.FromContext(r.Context()); ok {
		if pc.Identity.APIKeyID != "" {
			return "key:" + pc.Identity.APIKeyID
		}
		if pc.Identity.UserID != "" {
			return "user:" + pc.Identity.UserID
		}
	}
	return "ip:" + reqctx.ClientIP(r)
}
