package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex         sync.RWMutex
	requests      map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	failures      map[string]map[string]int64
	rejections    map[string]int64
	retries       map[string]int64
	healthStatus  map[string]bool
	breakerState  map[string]string
	rateLimited   map[string]int64
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests int64                     `json:"total_requests"`
	Uptime        time.Duration             `json:"uptime"`
	RateLimited   map[string]int64          `json:"rate_limited"`
	DroppedEvents int64                     `json:"dropped_events"`
	Services      map[string]ServiceMetrics `json:"services"`
}

type ServiceMetrics struct {
	Requests        int64            `json:"requests"`
	Healthy         bool             `json:"healthy"`
	BreakerState    string           `json:"breaker_state"`
	BreakerRejected int64            `json:"breaker_rejected"`
	Retries         int64            `json:"retries"`
	Failures        map[string]int64 `json:"failures,omitempty"`
	AvgResponse     time.Duration    `json:"avg_response"`
	P50Response     time.Duration    `json:"p50_response"`
	P95Response     time.Duration    `json:"p95_response"`
	P99Response     time.Duration    `json:"p99_response"`
	StatusCodes     map[int]int64    `json:"status_codes,omitempty"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:      make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		failures:      make(map[string]map[string]int64),
		rejections:    make(map[string]int64),
		retries:       make(map[string]int64),
		healthStatus:  make(map[string]bool),
		breakerState:  make(map[string]string),
		rateLimited:   make(map[string]int64),
		startTime:     time.Now(),
	}
}

// Track makes service appear in snapshots before any traffic.
func (m *Metrics) Track(service string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.requests[service]; !ok {
		m.requests[service] = 0
	}
	if _, ok := m.breakerState[service]; !ok {
		m.breakerState[service] = "CLOSED"
	}
}

func (m *Metrics) IncrementRequests(service string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[service]++
}

func (m *Metrics) RecordResponse(service string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.addSample(service, duration)

	if m.statusCodes[service] == nil {
		m.statusCodes[service] = make(map[int]int64)
	}
	m.statusCodes[service][statusCode]++
}

func (m *Metrics) RecordFailure(service string, duration time.Duration, reason string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if duration > 0 {
		m.addSample(service, duration)
	}
	if m.failures[service] == nil {
		m.failures[service] = make(map[string]int64)
	}
	m.failures[service][reason]++
}

func (m *Metrics) RecordRejection(service string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rejections[service]++
}

func (m *Metrics) RecordRetry(service string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.retries[service]++
}

func (m *Metrics) RecordRateLimited(decision string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rateLimited[decision]++
}

func (m *Metrics) UpdateHealthStatus(service string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[service] = healthy
}

func (m *Metrics) UpdateBreakerState(service, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.breakerState[service] = state
}

// addSample keeps the most recent maxSamples durations. Callers hold the lock.
func (m *Metrics) addSample(service string, d time.Duration) {
	m.responseTimes[service] = append(m.responseTimes[service], d)
	if len(m.responseTimes[service]) > maxSamples {
		m.responseTimes[service] = m.responseTimes[service][1:]
	}
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:      time.Since(m.startTime),
		RateLimited: make(map[string]int64, len(m.rateLimited)),
		Services:    make(map[string]ServiceMetrics),
	}
	for k, v := range m.rateLimited {
		snap.RateLimited[k] = v
	}

	// Collect every service seen by any event
	all := make(map[string]bool)
	for s := range m.requests {
		all[s] = true
	}
	for s := range m.responseTimes {
		all[s] = true
	}
	for s := range m.failures {
		all[s] = true
	}
	for s := range m.rejections {
		all[s] = true
	}
	for s := range m.healthStatus {
		all[s] = true
	}
	for s := range m.breakerState {
		all[s] = true
	}

	for service := range all {
		snap.TotalRequests += m.requests[service]

		sm := ServiceMetrics{
			Requests:        m.requests[service],
			Healthy:         m.healthStatus[service],
			BreakerState:    m.breakerState[service],
			BreakerRejected: m.rejections[service],
			Retries:         m.retries[service],
			Failures:        copyCounts(m.failures[service]),
			StatusCodes:     copyCodes(m.statusCodes[service]),
		}
		if sm.BreakerState == "" {
			sm.BreakerState = "CLOSED"
		}

		durations := m.responseTimes[service]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			sm.AvgResponse = average(sorted)
			sm.P50Response = percentile(sorted, 0.50)
			sm.P95Response = percentile(sorted, 0.95)
			sm.P99Response = percentile(sorted, 0.99)
		}

		snap.Services[service] = sm
	}

	return snap
}

func copyCounts(in map[string]int64) map[string]int64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyCodes(in map[int]int64) map[int]int64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[int]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
