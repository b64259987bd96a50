package healthcheck_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/healthcheck"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
	"github.com/angeloszaimis/api-gateway/internal/registry"
	"github.com/angeloszaimis/api-gateway/pkg/logger"
)

type recordingSink struct {
	mutex  sync.Mutex
	events []metrics.MetricEvent
}

func (s *recordingSink) Emit(e metrics.MetricEvent) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Events() []metrics.MetricEvent {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]metrics.MetricEvent(nil), s.events...)
}

func mustParseURL(rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	return u
}

func endpoint(name, base, capability string, critical bool) registry.ServiceEndpoint {
	e := registry.NewServiceEndpoint(name, mustParseURL(base), "/api/v1/"+name)
	e.Capability = capability
	e.Critical = critical
	return e
}

var _ = Describe("Prober", func() {
	var (
		upstream *httptest.Server
		calls    atomic.Int32
		sink     *recordingSink
		prober   *healthcheck.Prober
	)

	BeforeEach(func() {
		calls.Store(0)
		sink = &recordingSink{}

		// five healthy answers, then hang past the probe timeout
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if calls.Add(1) <= 5 {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("OK"))
				return
			}
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))

		reg, err := registry.New(endpoint("payments", upstream.URL, "payments", true))
		Expect(err).NotTo(HaveOccurred())

		prober = healthcheck.NewProber(reg, time.Hour, 100*time.Millisecond, logger.Discard(),
			healthcheck.WithEventSink(sink))
	})

	AfterEach(func() {
		upstream.Close()
	})

	It("should start every service as unhealthy", func() {
		h, ok := prober.Health("payments")
		Expect(ok).To(BeTrue())
		Expect(h.Status).To(Equal(healthcheck.StatusUnhealthy))
		Expect(h.LastChecked).To(BeZero())
	})

	It("should report healthy after five good probes and unhealthy after two timeouts", func() {
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			prober.CheckAll(ctx)
		}
		h, _ := prober.Health("payments")
		Expect(h.Status).To(Equal(healthcheck.StatusHealthy))
		Expect(h.ResponseTime).To(BeNumerically(">", 0))
		Expect(h.Error).To(BeEmpty())

		start := time.Now()
		prober.CheckAll(ctx)
		prober.CheckAll(ctx)
		Expect(time.Since(start)).To(BeNumerically("<", time.Second), "probes must be bounded by the timeout")

		h, _ = prober.Health("payments")
		Expect(h.Status).To(Equal(healthcheck.StatusUnhealthy))
		Expect(h.Error).NotTo(BeEmpty())
		Expect(h.LastChecked).NotTo(BeZero())

		events := sink.Events()
		Expect(events).To(HaveLen(2))
		Expect(events[0].Healthy).To(BeTrue())
		Expect(events[1].Healthy).To(BeFalse())
		Expect(events[1].Type).To(Equal(metrics.EventHealthChanged))
	})

	It("should treat non-2xx answers as unhealthy", func() {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer failing.Close()

		reg, err := registry.New(endpoint("flights", failing.URL, "flights", false))
		Expect(err).NotTo(HaveOccurred())
		p := healthcheck.NewProber(reg, time.Hour, time.Second, logger.Discard())

		p.CheckAll(context.Background())

		h, _ := p.Health("flights")
		Expect(h.Status).To(Equal(healthcheck.StatusUnhealthy))
		Expect(h.Error).To(Equal("unexpected status 503"))
	})

	It("should run the first cycle immediately and stop on cancel", func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			prober.Run(ctx)
			close(done)
		}()

		Eventually(func() healthcheck.Status {
			h, _ := prober.Health("payments")
			return h.Status
		}).Should(Equal(healthcheck.StatusHealthy))

		cancel()
		Eventually(done).Should(BeClosed())
	})

	It("should hand out copies", func() {
		snap := prober.Snapshot()
		snap["payments"] = healthcheck.ServiceHealth{Status: healthcheck.StatusHealthy}

		h, _ := prober.Health("payments")
		Expect(h.Status).To(Equal(healthcheck.StatusUnhealthy))
	})
})

var _ = Describe("Rollup", func() {
	var endpoints []registry.ServiceEndpoint

	BeforeEach(func() {
		endpoints = []registry.ServiceEndpoint{
			endpoint("auth", "http://localhost:3001", "auth", true),
			endpoint("payments", "http://localhost:3004", "payments", true),
			endpoint("reservations", "http://localhost:3002", "booking", true),
			endpoint("inventory", "http://localhost:3003", "booking", true),
			endpoint("notifications", "http://localhost:3005", "notifications", false),
		}
	})

	table := func(unhealthy ...string) map[string]healthcheck.ServiceHealth {
		down := make(map[string]bool)
		for _, s := range unhealthy {
			down[s] = true
		}
		out := make(map[string]healthcheck.ServiceHealth)
		for _, e := range endpoints {
			status := healthcheck.StatusHealthy
			if down[e.Name] {
				status = healthcheck.StatusUnhealthy
			}
			out[e.Name] = healthcheck.ServiceHealth{Service: e.Name, Status: status}
		}
		return out
	}

	DescribeTable("gateway status",
		func(unhealthy []string, want healthcheck.Status) {
			Expect(healthcheck.Rollup(endpoints, table(unhealthy...))).To(Equal(want))
		},
		Entry("all healthy", nil, healthcheck.StatusHealthy),
		Entry("non-critical down", []string{"notifications"}, healthcheck.StatusDegraded),
		Entry("one of two booking services down", []string{"inventory"}, healthcheck.StatusDegraded),
		Entry("whole booking capability down", []string{"inventory", "reservations"}, healthcheck.StatusUnhealthy),
		Entry("payments down", []string{"payments"}, healthcheck.StatusUnhealthy),
		Entry("everything down",
			[]string{"auth", "payments", "reservations", "inventory", "notifications"},
			healthcheck.StatusUnhealthy),
	)

	It("should treat unknown services as unhealthy", func() {
		Expect(healthcheck.Rollup(endpoints, map[string]healthcheck.ServiceHealth{})).
			To(Equal(healthcheck.StatusUnhealthy))
	})

	It("should build a report from the prober", func() {
		reg, err := registry.New(endpoints...)
		Expect(err).NotTo(HaveOccurred())
		p := healthcheck.NewProber(reg, time.Hour, time.Second, logger.Discard())

		report := p.Aggregate()
		Expect(report.Status).To(Equal(healthcheck.StatusUnhealthy))
		Expect(report.Services).To(HaveLen(5))
		Expect(report.Services[0].Service).To(Equal("auth"))
	})
})
