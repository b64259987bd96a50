package circuitbreaker_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func succeed(cb *circuitbreaker.CircuitBreaker) {
	generation, ok := cb.Allow()
	Expect(ok).To(BeTrue())
	cb.RecordSuccess(generation)
}

func fail(cb *circuitbreaker.CircuitBreaker) {
	generation, ok := cb.Allow()
	Expect(ok).To(BeTrue())
	cb.RecordFailure(generation, errBoom)
}

func paymentsSettings() circuitbreaker.Settings {
	return circuitbreaker.Settings{
		FailureThreshold:  0.5,
		VolumeThreshold:   4,
		RollingWindow:     60 * time.Second,
		OpenDuration:      30 * time.Second,
		MaxOpenDuration:   2 * time.Minute,
		BackoffMultiplier: 2,
	}
}

var _ = Describe("CircuitBreaker", func() {
	var (
		clock *fakeClock
		cb    *circuitbreaker.CircuitBreaker
	)

	BeforeEach(func() {
		clock = newFakeClock()
		cb = circuitbreaker.NewCircuitBreaker("payments", paymentsSettings(), circuitbreaker.WithClock(clock.Now))
	})

	// trip admits five concurrent calls, then reports 2 successes and 3
	// failures. It returns the generations the calls were admitted in.
	trip := func() []uint64 {
		generations := make([]uint64, 5)
		for i := range generations {
			var ok bool
			generations[i], ok = cb.Allow()
			Expect(ok).To(BeTrue())
		}
		cb.RecordSuccess(generations[0])
		cb.RecordSuccess(generations[1])
		cb.RecordFailure(generations[2], errBoom)
		cb.RecordFailure(generations[3], errBoom)
		cb.RecordFailure(generations[4], errBoom)
		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		return generations
	}

	allowed := func() bool {
		_, ok := cb.Allow()
		return ok
	}

	Describe("NewCircuitBreaker", func() {
		It("should create a circuit breaker in closed state", func() {
			Expect(cb).NotTo(BeNil())
			Expect(cb.Name()).To(Equal("payments"))
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should fill missing settings with defaults", func() {
			cb = circuitbreaker.NewCircuitBreaker("x", circuitbreaker.Settings{})
			stats := cb.Stats()
			Expect(stats.FailureThreshold).To(Equal(0.5))
			Expect(stats.OpenDuration).To(Equal(30 * time.Second))
			Expect(stats.VolumeThreshold).To(Equal(1))
		})
	})

	Describe("payments scenario", func() {
		It("should open after 2 successes and 3 failures and admit one trial after 31s", func() {
			trip()

			Expect(allowed()).To(BeFalse(), "sixth call must be rejected without a network attempt")

			clock.Advance(31 * time.Second)
			Expect(allowed()).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})
	})

	Describe("CLOSED state", func() {
		It("should allow requests", func() {
			Expect(allowed()).To(BeTrue())
		})

		It("should stay closed below the volume threshold even when every call fails", func() {
			fail(cb)
			fail(cb)
			fail(cb)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should stay closed while the failure ratio is below the threshold", func() {
			for i := 0; i < 6; i++ {
				succeed(cb)
			}
			fail(cb)
			fail(cb)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Stats().FailureRatio).To(BeNumerically("~", 0.25, 0.001))
		})

		It("should transition to OPEN exactly once", func() {
			late := trip()
			cb.RecordFailure(late[0], errBoom)
			cb.RecordFailure(late[1], errBoom)
			cb.RecordSuccess(late[2])

			stats := cb.Stats()
			Expect(stats.State).To(Equal(circuitbreaker.StateOpen))
			Expect(stats.Transitions).To(Equal(uint64(1)))
			Expect(stats.StaleResults).To(Equal(uint64(4)))
		})

		It("should forget outcomes that fall out of the rolling window", func() {
			fail(cb)
			fail(cb)
			fail(cb)

			clock.Advance(61 * time.Second)
			fail(cb)

			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			stats := cb.Stats()
			Expect(stats.WindowFailures).To(Equal(1))
			Expect(stats.TotalFailures).To(Equal(uint64(4)))
		})
	})

	Describe("OPEN state", func() {
		var late []uint64

		BeforeEach(func() {
			late = trip()
		})

		It("should reject every call before the open duration elapses", func() {
			for i := 0; i < 10; i++ {
				Expect(allowed()).To(BeFalse())
				clock.Advance(2 * time.Second)
			}
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})

		It("should count rejections separately from failures", func() {
			allowed()
			allowed()
			stats := cb.Stats()
			Expect(stats.Rejected).To(Equal(uint64(2)))
			Expect(stats.TotalFailures).To(Equal(uint64(3)))
			Expect(stats.WindowFailures).To(Equal(2), "the failure after tripping is not sampled")
		})

		It("should expose the next retry time", func() {
			stats := cb.Stats()
			Expect(stats.NextRetryAt).NotTo(BeNil())
			Expect(*stats.NextRetryAt).To(Equal(clock.Now().Add(30 * time.Second)))
			Expect(stats.LastFailure).To(Equal("boom"))
		})

		It("should ignore late results while open", func() {
			cb.RecordSuccess(late[0])
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})
	})

	Describe("HALF_OPEN state", func() {
		var (
			late  []uint64
			trial uint64
		)

		BeforeEach(func() {
			late = trip()
			clock.Advance(30 * time.Second)
			var ok bool
			trial, ok = cb.Allow()
			Expect(ok).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})

		It("should reject further calls while the trial is in flight", func() {
			Expect(allowed()).To(BeFalse())
			Expect(allowed()).To(BeFalse())
		})

		It("should close and reset the window on success", func() {
			cb.RecordSuccess(trial)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))

			stats := cb.Stats()
			Expect(stats.WindowFailures).To(Equal(0))
			Expect(stats.WindowSuccesses).To(Equal(0))

			fail(cb)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should reopen and restart the timer on failure", func() {
			cb.RecordFailure(trial, errBoom)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(allowed()).To(BeFalse())
		})

		It("should let only the trial decide recovery", func() {
			straggler := late[0]

			cb.RecordSuccess(straggler)
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
			Expect(allowed()).To(BeFalse(), "the trial is still in flight")

			cb.RecordFailure(straggler, errBoom)
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
			Expect(cb.Stats().ConsecutiveOpens).To(Equal(1))

			cb.RecordSuccess(trial)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should ignore a result reported twice for the same trial", func() {
			cb.RecordFailure(trial, errBoom)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			cb.RecordSuccess(trial)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})

		It("should back off exponentially on repeated failed trials", func() {
			cb.RecordFailure(trial, errBoom)

			clock.Advance(59 * time.Second)
			Expect(allowed()).To(BeFalse())
			clock.Advance(time.Second)
			next, ok := cb.Allow()
			Expect(ok).To(BeTrue())

			cb.RecordFailure(next, errBoom)
			clock.Advance(119 * time.Second)
			Expect(allowed()).To(BeFalse())
			clock.Advance(time.Second)
			Expect(allowed()).To(BeTrue())
		})

		It("should cap the backoff at the maximum open duration", func() {
			for i := 0; i < 5; i++ {
				cb.RecordFailure(trial, errBoom)
				clock.Advance(2 * time.Minute)
				var ok bool
				trial, ok = cb.Allow()
				Expect(ok).To(BeTrue())
			}
		})

		It("should restart backoff from the base duration after recovering", func() {
			cb.RecordFailure(trial, errBoom)
			clock.Advance(time.Minute)
			next, ok := cb.Allow()
			Expect(ok).To(BeTrue())
			cb.RecordSuccess(next)

			trip()
			clock.Advance(30 * time.Second)
			Expect(allowed()).To(BeTrue())
		})

		It("should not hand the trial to AllowClosed", func() {
			cb.RecordFailure(trial, errBoom)
			clock.Advance(time.Minute)

			_, ok := cb.AllowClosed()
			Expect(ok).To(BeFalse())
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(allowed()).To(BeTrue())
		})
	})

	Describe("concurrent trial admission", func() {
		It("should admit exactly one caller after the open duration", func() {
			trip()
			clock.Advance(31 * time.Second)

			const goroutines = 64
			var admitted atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})

			for i := 0; i < goroutines; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if allowed() {
						admitted.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			Expect(admitted.Load()).To(Equal(int32(1)))
			Expect(cb.Stats().Rejected).To(Equal(uint64(goroutines - 1)))
		})

		It("should keep a consistent state under mixed concurrent use", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if generation, ok := cb.Allow(); ok {
						if i%2 == 0 {
							cb.RecordFailure(generation, errBoom)
						} else {
							cb.RecordSuccess(generation)
						}
					}
					_ = cb.Stats()
				}(i)
			}
			wg.Wait()

			Expect(cb.State()).To(BeElementOf(
				circuitbreaker.StateClosed,
				circuitbreaker.StateOpen,
				circuitbreaker.StateHalfOpen,
			))
		})
	})

	Describe("Reset", func() {
		It("should close an open breaker", func() {
			trip()
			cb.Reset()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(allowed()).To(BeTrue())
			Expect(cb.Stats().NextRetryAt).To(BeNil())
		})

		It("should drop results of calls admitted before a reset", func() {
			before, _ := cb.Allow()
			cb.Reset()
			cb.RecordFailure(before, errBoom)

			Expect(cb.Stats().WindowFailures).To(BeZero())
			Expect(cb.Stats().StaleResults).To(Equal(uint64(1)))
		})
	})

	Describe("state change hook", func() {
		It("should report every transition", func() {
			var seen []string
			cb = circuitbreaker.NewCircuitBreaker("payments", paymentsSettings(),
				circuitbreaker.WithClock(clock.Now),
				circuitbreaker.WithStateChangeHook(func(name string, from, to circuitbreaker.State) {
					seen = append(seen, name+":"+from.String()+"->"+to.String())
				}),
			)

			trip()
			clock.Advance(30 * time.Second)
			trial, _ := cb.Allow()
			cb.RecordSuccess(trial)

			Expect(seen).To(Equal([]string{
				"payments:CLOSED->OPEN",
				"payments:OPEN->HALF_OPEN",
				"payments:HALF_OPEN->CLOSED",
			}))
		})
	})

	Describe("State.String", func() {
		It("should return correct string representation", func() {
			Expect(circuitbreaker.StateClosed.String()).To(Equal("CLOSED"))
			Expect(circuitbreaker.StateOpen.String()).To(Equal("OPEN"))
			Expect(circuitbreaker.StateHalfOpen.String()).To(Equal("HALF_OPEN"))
			Expect(circuitbreaker.State(42).String()).To(Equal("UNKNOWN"))
		})
	})
})
