package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter counts hits per key in fixed windows.
type Counter interface {
	// Increment records one hit for key and returns the hits so far in the
	// current window and the time left until it resets.
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type windowEntry struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mutex     sync.Mutex
	entries   map[string]*windowEntry
	now       func() time.Time
	nextSweep time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return NewMemoryCounterWithClock(time.Now)
}

// NewMemoryCounterWithClock is NewMemoryCounter with an injectable clock.
func NewMemoryCounterWithClock(now func() time.Time) *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]*windowEntry),
		now:     now,
	}
}

func (m *MemoryCounter) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	m.sweep(now, window)

	e, ok := m.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &windowEntry{resetAt: now.Add(window)}
		m.entries[key] = e
	}
	e.count++
	return e.count, e.resetAt.Sub(now), nil
}

// Len returns the number of live keys.
func (m *MemoryCounter) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.entries)
}

// sweep drops expired keys at most once per window.
func (m *MemoryCounter) sweep(now time.Time, window time.Duration) {
	if now.Before(m.nextSweep) {
		return
	}
	for k, e := range m.entries {
		if !now.Before(e.resetAt) {
			delete(m.entries, k)
		}
	}
	m.nextSweep = now.Add(window)
}
