package circuitbreaker

import (
	"fmt"
	"math"
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking requests
	StateHalfOpen              // Testing with one request
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit breaker state %q", text)
	}
	return nil
}

// Settings tunes a single breaker.
type Settings struct {
	// FailureThreshold is the failure ratio (0..1] within the rolling window
	// at or above which the breaker opens.
	FailureThreshold float64
	// VolumeThreshold is the minimum number of calls in the window before the
	// ratio is considered.
	VolumeThreshold int
	RollingWindow   time.Duration
	OpenDuration    time.Duration
	// MaxOpenDuration caps the backoff applied after repeated failed trials.
	MaxOpenDuration   time.Duration
	BackoffMultiplier float64
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  0.5,
		VolumeThreshold:   5,
		RollingWindow:     60 * time.Second,
		OpenDuration:      30 * time.Second,
		MaxOpenDuration:   5 * time.Minute,
		BackoffMultiplier: 2,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 || s.FailureThreshold > 1 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.VolumeThreshold < 1 {
		s.VolumeThreshold = 1
	}
	if s.RollingWindow <= 0 {
		s.RollingWindow = d.RollingWindow
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = d.OpenDuration
	}
	if s.MaxOpenDuration < s.OpenDuration {
		s.MaxOpenDuration = s.OpenDuration
	}
	if s.BackoffMultiplier < 1 {
		s.BackoffMultiplier = 1
	}
	return s
}

// StateChangeFunc observes transitions. It runs while the breaker lock is
// held and must not call back into the breaker.
type StateChangeFunc func(name string, from, to State)

type Option func(*CircuitBreaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

func WithStateChangeHook(fn StateChangeFunc) Option {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// Stats is a point-in-time copy of a breaker's counters.
type Stats struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	WindowSuccesses  int           `json:"window_successes"`
	WindowFailures   int           `json:"window_failures"`
	FailureRatio     float64       `json:"failure_ratio"`
	TotalSuccesses   uint64        `json:"total_successes"`
	TotalFailures    uint64        `json:"total_failures"`
	Rejected         uint64        `json:"rejected"`
	Transitions      uint64        `json:"transitions"`
	ConsecutiveOpens int           `json:"consecutive_opens"`
	StaleResults     uint64        `json:"stale_results"`
	Generation       uint64        `json:"generation"`
	LastTransition   time.Time     `json:"last_transition"`
	NextRetryAt      *time.Time    `json:"next_retry_at,omitempty"`
	LastFailure      string        `json:"last_failure,omitempty"`
	FailureThreshold float64       `json:"failure_threshold"`
	VolumeThreshold  int           `json:"volume_threshold"`
	RollingWindow    time.Duration `json:"rolling_window"`
	OpenDuration     time.Duration `json:"open_duration"`
}

type CircuitBreaker struct {
	name          string
	settings      Settings
	now           func() time.Time
	onStateChange StateChangeFunc

	mutex          sync.Mutex
	state          State
	window         *window
	lastTransition time.Time
	openUntil      time.Time
	openCount      int
	trialInFlight  bool
	lastFailure    string
	// generation changes on every transition. Results carry the generation
	// their call was admitted in and are ignored once it is stale.
	generation uint64


	totalSuccesses uint64
	totalFailures  uint64
	rejected       uint64
	transitions    uint64
	stale          uint64
}

func NewCircuitBreaker(name string, settings Settings, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:     name,
		settings: settings.withDefaults(),
		now:      time.Now,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.window = newWindow(cb.settings.RollingWindow)
	cb.lastTransition = cb.now()
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow reports whether a call may be issued now and returns the generation
// the call is admitted in. The generation must be handed back to
// RecordSuccess or RecordFailure. A rejection is counted and never enters the
// rolling window.
func (cb *CircuitBreaker) Allow() (uint64, bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		return cb.generation, true
	case StateOpen:
		if now.Before(cb.openUntil) {
			cb.rejected++
			return cb.generation, false
		}
		cb.transition(StateHalfOpen, now)
		cb.trialInFlight = true
		return cb.generation, true
	case StateHalfOpen:
		if cb.trialInFlight {
			cb.rejected++
			return cb.generation, false
		}
		cb.trialInFlight = true
		return cb.generation, true
	default:
		return cb.generation, false
	}
}

// AllowClosed admits a call only while the breaker is CLOSED. It never
// claims the half-open trial and a refusal is not counted as a rejection.
func (cb *CircuitBreaker) AllowClosed() (uint64, bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.generation, cb.state == StateClosed
}

// RecordSuccess records a successful call admitted in generation.
func (cb *CircuitBreaker) RecordSuccess(generation uint64) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	cb.totalSuccesses++
	if generation != cb.generation {
		cb.stale++
		return
	}

	switch cb.state {
	case StateClosed:
		cb.window.record(now, false)
	case StateHalfOpen:
		cb.close(now)
	}
}

// RecordFailure records a failed or timed out call admitted in generation.
// reason may be nil.
func (cb *CircuitBreaker) RecordFailure(generation uint64, reason error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	cb.totalFailures++
	if reason != nil {
		cb.lastFailure = reason.Error()
	}
	if generation != cb.generation {
		cb.stale++
		return
	}

	switch cb.state {
	case StateClosed:
		cb.window.record(now, true)
		successes, failures := cb.window.counts(now)
		total := successes + failures
		if total >= cb.settings.VolumeThreshold &&
			float64(failures)/float64(total) >= cb.settings.FailureThreshold {
			cb.trip(now)
		}
	case StateHalfOpen:
		cb.trip(now)
	}
}

// Reset forces the breaker closed with an empty window.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.state == StateClosed {
		// calls admitted before the reset must not refill the new window
		cb.generation++
	}
	cb.close(cb.now())
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	successes, failures := cb.window.counts(now)

	stats := Stats{
		Name:             cb.name,
		State:            cb.state,
		WindowSuccesses:  successes,
		WindowFailures:   failures,
		TotalSuccesses:   cb.totalSuccesses,
		TotalFailures:    cb.totalFailures,
		Rejected:         cb.rejected,
		Transitions:      cb.transitions,
		ConsecutiveOpens: cb.openCount,
		StaleResults:     cb.stale,
		Generation:       cb.generation,
		LastTransition:   cb.lastTransition,
		LastFailure:      cb.lastFailure,
		FailureThreshold: cb.settings.FailureThreshold,
		VolumeThreshold:  cb.settings.VolumeThreshold,
		RollingWindow:    cb.settings.RollingWindow,
		OpenDuration:     cb.settings.OpenDuration,
	}
	if total := successes + failures; total > 0 {
		stats.FailureRatio = float64(failures) / float64(total)
	}
	if cb.state == StateOpen {
		next := cb.openUntil
		stats.NextRetryAt = &next
	}
	return stats
}

func (cb *CircuitBreaker) trip(now time.Time) {
	cb.openCount++
	cb.trialInFlight = false
	cb.openUntil = now.Add(cb.openDurationFor(cb.openCount))
	cb.transition(StateOpen, now)
}

func (cb *CircuitBreaker) close(now time.Time) {
	cb.window.reset()
	cb.openCount = 0
	cb.trialInFlight = false
	cb.openUntil = time.Time{}
	cb.transition(StateClosed, now)
}

// openDurationFor grows the open period geometrically with each consecutive
// failed trial, bounded by MaxOpenDuration.
func (cb *CircuitBreaker) openDurationFor(opens int) time.Duration {
	base := float64(cb.settings.OpenDuration)
	d := base * math.Pow(cb.settings.BackoffMultiplier, float64(opens-1))
	if d > float64(cb.settings.MaxOpenDuration) || math.IsInf(d, 1) {
		return cb.settings.MaxOpenDuration
	}
	return time.Duration(d)
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.generation++
	cb.lastTransition = now
	cb.transitions++
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}
