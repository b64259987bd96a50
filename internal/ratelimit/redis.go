package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// incrementScript increments KEYS[1], starts its expiry on the first hit and
// returns {count, pttl}.
// ARGV[1] = window in milliseconds
var incrementScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {current, ttl}
`)

var ErrUnexpectedReply = errors.New("unexpected redis reply")

// RedisCounter is a Counter shared by every gateway instance using the same
// Redis. Calls go through a breaker so an unreachable Redis fails fast.
type RedisCounter struct {
	client  redis.UniversalClient
	prefix  string
	breaker *gobreaker.CircuitBreaker
}

func NewRedisCounter(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisCounter {
	settings := gobreaker.Settings{
		Name:        "ratelimit-redis",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Rate limit store breaker state change",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}
	return &RedisCounter{
		client:  client,
		prefix:  prefix,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (r *RedisCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		return incrementScript.Run(ctx, r.client, []string{r.prefix + key}, window.Milliseconds()).Result()
	})
	if err != nil {
		return 0, 0, fmt.Errorf("redis increment: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnexpectedReply, res)
	}
	count, ok1 := values[0].(int64)
	ttl, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnexpectedReply, values)
	}
	return count, time.Duration(ttl) * time.Millisecond, nil
}

// State reports the store breaker state.
func (r *RedisCounter) State() gobreaker.State {
	return r.breaker.State()
}

func (r *RedisCounter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCounter) Close() error {
	return r.client.Close()
}
