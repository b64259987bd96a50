package circuitbreaker_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
)

var _ = Describe("Registry", func() {
	var (
		clock    *fakeClock
		registry *circuitbreaker.Registry
		settings circuitbreaker.Settings
	)

	BeforeEach(func() {
		clock = newFakeClock()
		registry = circuitbreaker.NewRegistry(circuitbreaker.WithClock(clock.Now))
		settings = circuitbreaker.Settings{
			FailureThreshold: 0.5,
			VolumeThreshold:  2,
			OpenDuration:     10 * time.Second,
		}
	})

	Describe("Register", func() {
		It("should create a closed breaker for a new service", func() {
			cb := registry.Register("payments", settings)
			Expect(cb).NotTo(BeNil())
			Expect(cb.Name()).To(Equal("payments"))
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should return the same breaker for the same service", func() {
			cb1 := registry.Register("payments", settings)
			cb2 := registry.Register("payments", circuitbreaker.DefaultSettings())
			Expect(cb1).To(BeIdenticalTo(cb2))
		})

		It("should keep breakers of different services independent", func() {
			payments := registry.Register("payments", settings)
			inventory := registry.Register("inventory", settings)

			fail(payments)
			fail(payments)

			Expect(payments.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(inventory.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should apply registry options to every breaker", func() {
			cb := registry.Register("payments", settings)
			fail(cb)
			fail(cb)

			clock.Advance(10 * time.Second)
			_, ok := cb.Allow()
			Expect(ok).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})

		It("should be safe for concurrent registration", func() {
			var wg sync.WaitGroup
			breakers := make([]*circuitbreaker.CircuitBreaker, 50)

			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					breakers[idx] = registry.Register("payments", settings)
				}(i)
			}
			wg.Wait()

			for i := 1; i < 50; i++ {
				Expect(breakers[i]).To(BeIdenticalTo(breakers[0]))
			}
		})
	})

	Describe("Breaker", func() {
		It("should report unknown services", func() {
			_, ok := registry.Breaker("ghost")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Names", func() {
		It("should list services in sorted order", func() {
			registry.Register("reservations", settings)
			registry.Register("auth", settings)
			registry.Register("payments", settings)
			Expect(registry.Names()).To(Equal([]string{"auth", "payments", "reservations"}))
		})
	})

	Describe("Reset", func() {
		It("should close the named breaker", func() {
			cb := registry.Register("payments", settings)
			fail(cb)
			fail(cb)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			Expect(registry.Reset("payments")).To(Succeed())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should fail for an unknown breaker", func() {
			err := registry.Reset("ghost")
			Expect(err).To(MatchError(circuitbreaker.ErrUnknownBreaker))
			Expect(err.Error()).To(ContainSubstring("ghost"))
		})

		It("should reset every breaker with ResetAll", func() {
			a := registry.Register("a", settings)
			b := registry.Register("b", settings)
			for _, cb := range []*circuitbreaker.CircuitBreaker{a, b} {
				fail(cb)
				fail(cb)
			}

			registry.ResetAll()

			Expect(registry.States()).To(Equal(map[string]circuitbreaker.State{
				"a": circuitbreaker.StateClosed,
				"b": circuitbreaker.StateClosed,
			}))
		})
	})

	Describe("Stats", func() {
		It("should dump every breaker", func() {
			succeed(registry.Register("payments", settings))
			registry.Register("auth", settings)

			stats := registry.Stats()
			Expect(stats).To(HaveLen(2))
			Expect(stats["payments"].WindowSuccesses).To(Equal(1))
			Expect(stats["auth"].State).To(Equal(circuitbreaker.StateClosed))
		})
	})
})
