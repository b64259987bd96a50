package circuitbreaker

import "time"

const windowBuckets = 10

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// window is a time-bounded rolling sample of call outcomes split into
// fixed-width buckets. Buckets older than span are ignored and recycled.
type window struct {
	span    time.Duration
	width   time.Duration
	buckets [windowBuckets]bucket
}

func newWindow(span time.Duration) *window {
	width := span / windowBuckets
	if width <= 0 {
		width = time.Millisecond
	}
	return &window{span: span, width: width}
}

func (w *window) record(now time.Time, failed bool) {
	slot := now.UnixNano() / int64(w.width)
	start := time.Unix(0, slot*int64(w.width))
	b := &w.buckets[slot%windowBuckets]

	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	if failed {
		b.failures++
	} else {
		b.successes++
	}
}

func (w *window) counts(now time.Time) (successes, failures int) {
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.start.IsZero() || now.Sub(b.start) >= w.span {
			continue
		}
		successes += b.successes
		failures += b.failures
	}
	return successes, failures
}

func (w *window) reset() {
	w.buckets = [windowBuckets]bucket{}
}
