package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

// promMetrics mirrors the event stream as Prometheus series. Each collector
// owns its registry so tests can build collectors freely.
type promMetrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	responses         *prometheus.CounterVec
	failures          *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	rejections        *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	breakerTransition *prometheus.CounterVec
	healthy           *prometheus.GaugeVec
	rateLimited       *prometheus.CounterVec
	retries           *prometheus.CounterVec
	dropped           prometheus.Counter
}

func newPromMetrics() *promMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &promMetrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests routed to a service",
		}, []string{"service"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_responses_total",
			Help:      "Upstream responses by status code",
		}, []string{"service", "code"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Upstream calls that failed without a response",
		}, []string{"service", "reason"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_rejections_total",
			Help:      "Requests rejected by an open circuit breaker",
		}, []string{"service"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"service"}),
		breakerTransition: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes",
		}, []string{"service", "from", "to"}),
		healthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_healthy",
			Help:      "Last health probe result (1=healthy)",
		}, []string{"service"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected or delayed by the rate limiter",
		}, []string{"decision"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried upstream attempts",
		}, []string{"service"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_events_dropped_total",
			Help:      "Metric events dropped because the buffer was full",
		}),
	}
}

func (p *promMetrics) track(service string) {
	p.requests.WithLabelValues(service)
	p.breakerState.WithLabelValues(service).Set(0)
	p.healthy.WithLabelValues(service).Set(0)
}

func (p *promMetrics) observe(event MetricEvent) {
	switch event.Type {
	case EventRequestRouted:
		p.requests.WithLabelValues(event.Service).Inc()
	case EventUpstreamResponse:
		p.responses.WithLabelValues(event.Service, strconv.Itoa(event.StatusCode)).Inc()
		p.duration.WithLabelValues(event.Service).Observe(event.Duration.Seconds())
	case EventUpstreamFailure:
		p.failures.WithLabelValues(event.Service, event.Reason).Inc()
		if event.Duration > 0 {
			p.duration.WithLabelValues(event.Service).Observe(event.Duration.Seconds())
		}
	case EventBreakerRejected:
		p.rejections.WithLabelValues(event.Service).Inc()
	case EventBreakerTransition:
		p.breakerTransition.WithLabelValues(event.Service, event.From, event.To).Inc()
		p.breakerState.WithLabelValues(event.Service).Set(stateValue(event.To))
	case EventHealthChanged:
		v := 0.0
		if event.Healthy {
			v = 1
		}
		p.healthy.WithLabelValues(event.Service).Set(v)
	case EventRateLimited:
		p.rateLimited.WithLabelValues(event.Reason).Inc()
	case EventRetry:
		p.retries.WithLabelValues(event.Service).Inc()
	}
}

func stateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}
