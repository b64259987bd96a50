package healthcheck

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/angeloszaimis/api-gateway/internal/metrics"
	"github.com/angeloszaimis/api-gateway/internal/registry"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const maxHealthBody = 64 << 10

// ServiceHealth is the result of the latest probe of one service.
type ServiceHealth struct {
	Service      string        `json:"service"`
	Status       Status        `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	LastChecked  time.Time     `json:"last_checked"`
	Error        string        `json:"error,omitempty"`
}

func (h ServiceHealth) Healthy() bool {
	return h.Status == StatusHealthy
}

// Report is the gateway-wide health rollup.
type Report struct {
	Status    Status          `json:"status"`
	CheckedAt time.Time       `json:"checked_at"`
	Services  []ServiceHealth `json:"services"`
}

type Option func(*Prober)

func WithHTTPClient(client *http.Client) Option {
	return func(p *Prober) {
		p.client = client
	}
}

func WithEventSink(sink metrics.Sink) Option {
	return func(p *Prober) {
		p.sink = sink
	}
}

// Prober periodically checks the health path of every registered service.
type Prober struct {
	registry *registry.Registry
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
	sink     metrics.Sink

	mutex  sync.RWMutex
	health map[string]ServiceHealth
}

func NewProber(reg *registry.Registry, interval, timeout time.Duration, logger *slog.Logger, opts ...Option) *Prober {
	p := &Prober{
		registry: reg,
		interval: interval,
		timeout:  timeout,
		client:   &http.Client{},
		logger:   logger,
		sink:     metrics.Discard,
		health:   make(map[string]ServiceHealth, reg.Len()),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, name := range reg.Names() {
		p.health[name] = ServiceHealth{
			Service: name,
			Status:  StatusUnhealthy,
			Error:   "not checked yet",
		}
	}
	return p
}

// Run checks every service immediately and then on each tick until ctx is
// cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.logger.Info("Health prober started",
		slog.Duration("interval", p.interval),
		slog.Int("services", p.registry.Len()))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Health prober stopped")
			return

		case <-ticker.C:
			p.CheckAll(ctx)
		}
	}
}

// CheckAll probes every service concurrently and waits for all results.
func (p *Prober) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range p.registry.Endpoints() {
		wg.Add(1)
		go func(e registry.ServiceEndpoint) {
			defer wg.Done()
			p.update(p.check(ctx, e))
		}(e)
	}
	wg.Wait()
}

func (p *Prober) check(ctx context.Context, e registry.ServiceEndpoint) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := ServiceHealth{
		Service: e.Name,
		Status:  StatusUnhealthy,
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.HealthURL(), nil)
	if err != nil {
		result.LastChecked = time.Now()
		result.Error = err.Error()
		return result
	}

	res, err := p.client.Do(req)
	result.ResponseTime = time.Since(start)
	result.LastChecked = time.Now()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxHealthBody))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		result.Error = fmt.Sprintf("unexpected status %d", res.StatusCode)
		return result
	}

	result.Status = StatusHealthy
	return result
}

func (p *Prober) update(h ServiceHealth) {
	p.mutex.Lock()
	prev := p.health[h.Service]
	p.health[h.Service] = h
	p.mutex.Unlock()

	if prev.Status == h.Status {
		return
	}

	if h.Healthy() {
		p.logger.Info("Service is back up",
			slog.String("service", h.Service),
			slog.Duration("response_time", h.ResponseTime))
	} else {
		p.logger.Warn("Service is down",
			slog.String("service", h.Service),
			slog.String("error", h.Error))
	}

	p.sink.Emit(metrics.MetricEvent{
		Type:      metrics.EventHealthChanged,
		Timestamp: h.LastChecked,
		Service:   h.Service,
		Healthy:   h.Healthy(),
	})
}

// Snapshot returns a copy of the health table.
func (p *Prober) Snapshot() map[string]ServiceHealth {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	out := make(map[string]ServiceHealth, len(p.health))
	for k, v := range p.health {
		out[k] = v
	}
	return out
}

// Health returns the latest result for one service.
func (p *Prober) Health(service string) (ServiceHealth, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	h, ok := p.health[service]
	return h, ok
}

// Aggregate rolls the current table up into a gateway-wide report.
func (p *Prober) Aggregate() Report {
	snap := p.Snapshot()
	endpoints := p.registry.Endpoints()

	report := Report{
		Status:    Rollup(endpoints, snap),
		CheckedAt: time.Now(),
		Services:  make([]ServiceHealth, 0, len(endpoints)),
	}
	for _, e := range endpoints {
		report.Services = append(report.Services, snap[e.Name])
	}
	return report
}

// Rollup is healthy when every service is healthy and unhealthy when none
// is. Otherwise it is degraded as long as each critical capability still has
// a healthy service, and unhealthy if one does not.
func Rollup(endpoints []registry.ServiceEndpoint, health map[string]ServiceHealth) Status {
	if len(endpoints) == 0 {
		return StatusUnhealthy
	}

	healthyCount := 0
	critical := make(map[string]bool)
	for _, e := range endpoints {
		ok := health[e.Name].Healthy()
		if ok {
			healthyCount++
		}
		if e.Critical {
			critical[e.Capability] = critical[e.Capability] || ok
		}
	}

	switch {
	case healthyCount == len(endpoints):
		return StatusHealthy
	case healthyCount == 0:
		return StatusUnhealthy
	}

	for _, covered := range critical {
		if !covered {
			return StatusUnhealthy
		}
	}
	return StatusDegraded
}
