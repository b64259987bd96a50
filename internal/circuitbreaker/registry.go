package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownBreaker = errors.New("unknown circuit breaker")

// Registry owns one breaker per service. Breakers are registered at startup
// and live for the process lifetime.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
	opts     []Option
}

// NewRegistry returns a registry whose breakers are all built with opts.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		opts:     opts,
	}
}

// Register returns the breaker for name, creating it with settings if it
// does not exist yet.
func (r *Registry) Register(name string, settings Settings) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[name]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	cb = NewCircuitBreaker(name, settings, r.opts...)
	r.breakers[name] = cb
	return cb
}

func (r *Registry) Breaker(name string) (*CircuitBreaker, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset closes the named breaker. It is the manual intervention path.
func (r *Registry) Reset(name string) error {
	cb, ok := r.Breaker(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}
	cb.Reset()
	return nil
}

func (r *Registry) ResetAll() {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}

func (r *Registry) Stats() map[string]Stats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}

// States returns only the current state of every breaker.
func (r *Registry) States() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}
