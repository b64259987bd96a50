package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventRequestRouted     EventType = "request_routed"
	EventUpstreamResponse  EventType = "upstream_response"
	EventUpstreamFailure   EventType = "upstream_failure"
	EventBreakerRejected   EventType = "breaker_rejected"
	EventBreakerTransition EventType = "breaker_transition"
	EventHealthChanged     EventType = "health_changed"
	EventRateLimited       EventType = "rate_limited"
	EventRetry             EventType = "retry"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Service    string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
	// Reason is the failure kind for EventUpstreamFailure and the limit
	// decision for EventRateLimited.
	Reason string
	// From and To are breaker states for EventBreakerTransition.
	From string
	To   string
}

// Sink accepts metric events. Implementations must not block.
type Sink interface {
	Emit(event MetricEvent)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(MetricEvent) {}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	prom    *promMetrics
	logger  *slog.Logger
	dropped atomic.Int64
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		prom:    newPromMetrics(),
		logger:  logger,
	}
}

// Emit queues event without blocking. Events are dropped when the buffer is
// full.
func (c *Collector) Emit(event MetricEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case c.eventCh <- event:
	default:
		c.dropped.Add(1)
		c.prom.dropped.Inc()
	}
}

// Track registers services up front so their series exist before the first
// event.
func (c *Collector) Track(services ...string) {
	for _, s := range services {
		c.metrics.Track(s)
		c.prom.track(s)
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestRouted:
		c.metrics.IncrementRequests(event.Service)

	case EventUpstreamResponse:
		c.metrics.RecordResponse(event.Service, event.Duration, event.StatusCode)

	case EventUpstreamFailure:
		c.metrics.RecordFailure(event.Service, event.Duration, event.Reason)

	case EventBreakerRejected:
		c.metrics.RecordRejection(event.Service)

	case EventBreakerTransition:
		c.metrics.UpdateBreakerState(event.Service, event.To)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Service, event.Healthy)

	case EventRateLimited:
		c.metrics.RecordRateLimited(event.Reason)

	case EventRetry:
		c.metrics.RecordRetry(event.Service)

	default:
		c.logger.Debug("Ignoring unknown metric event", slog.String("type", string(event.Type)))
		return
	}
	c.prom.observe(event)
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	snap := c.metrics.Snapshot()
	snap.DroppedEvents = c.dropped.Load()
	return snap
}
