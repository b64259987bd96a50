package backend_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/apierr"
	"github.com/angeloszaimis/api-gateway/internal/backend"
	"github.com/angeloszaimis/api-gateway/internal/registry"
)

func endpointFor(rawURL string) registry.ServiceEndpoint {
	u, err := url.Parse(rawURL)
	Expect(err).NotTo(HaveOccurred())
	return registry.NewServiceEndpoint("payments", u, "/api/v1/payments", http.MethodGet)
}

var _ = Describe("Backend", func() {
	var b *backend.Backend

	BeforeEach(func() {
		b = backend.New(endpointFor("http://localhost:3004"), nil)
	})

	Describe("New", func() {
		It("should expose the endpoint", func() {
			Expect(b.Name()).To(Equal("payments"))
			Expect(b.Endpoint().BaseURL.String()).To(Equal("http://localhost:3004"))
		})

		It("should have zero active connections", func() {
			Expect(b.ActiveConnections()).To(Equal(0))
		})
	})

	Describe("ForRegistry", func() {
		It("should build one backend per service", func() {
			u, _ := url.Parse("http://localhost:3001")
			reg, err := registry.New(
				endpointFor("http://localhost:3004"),
				registry.NewServiceEndpoint("auth", u, "/api/v1/auth"),
			)
			Expect(err).NotTo(HaveOccurred())

			backends := backend.ForRegistry(reg, nil)
			Expect(backends).To(HaveKey("payments"))
			Expect(backends).To(HaveKey("auth"))
		})
	})

	Describe("Forward", func() {
		It("should return the upstream response and record latency", func() {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			}))
			defer upstream.Close()
			b = backend.New(endpointFor(upstream.URL), nil)

			req, err := http.NewRequest(http.MethodGet, upstream.URL+"/charge", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := b.Forward(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(b.EWMATime()).To(BeNumerically(">", 0))
			Expect(b.ActiveConnections()).To(Equal(0))
		})

		It("should classify a deadline as an upstream timeout", func() {
			release := make(chan struct{})
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-release:
				case <-r.Context().Done():
				}
			}))
			defer upstream.Close()
			defer close(release)
			b = backend.New(endpointFor(upstream.URL), nil)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, upstream.URL, nil)

			_, err := b.Forward(req)
			Expect(errors.Is(err, apierr.ErrUpstreamTimeout)).To(BeTrue())
		})

		It("should classify a refused connection", func() {
			upstream := httptest.NewServer(http.NotFoundHandler())
			addr := upstream.URL
			upstream.Close()
			b = backend.New(endpointFor(addr), nil)

			req, _ := http.NewRequest(http.MethodGet, addr, nil)
			_, err := b.Forward(req)
			Expect(errors.Is(err, apierr.ErrUpstreamConnection)).To(BeTrue())
		})

		It("should classify a cancelled caller as client closed", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost:3004", nil)

			_, err := b.Forward(req)
			Expect(errors.Is(err, apierr.ErrClientClosed)).To(BeTrue())
		})
	})

	Describe("Connection Tracking", func() {
		It("should increase and decrease the active count", func() {
			b.IncrementConn()
			b.IncrementConn()
			b.IncrementConn()
			Expect(b.ActiveConnections()).To(Equal(3))

			b.DecrementConn()
			Expect(b.ActiveConnections()).To(Equal(2))
		})

		It("should not go below zero", func() {
			b.DecrementConn()
			b.DecrementConn()
			Expect(b.ActiveConnections()).To(Equal(0))
		})

		It("should be thread-safe", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					b.IncrementConn()
				}()
			}
			wg.Wait()
			Expect(b.ActiveConnections()).To(Equal(100))
		})
	})

	Describe("Response Time Tracking (EWMA)", func() {
		It("should start at zero", func() {
			Expect(b.EWMATime()).To(BeZero())
		})

		It("should take the first sample as is", func() {
			b.RecordResponse(100 * time.Millisecond)
			Expect(b.EWMATime()).To(Equal(100 * time.Millisecond))
		})

		It("should smooth subsequent samples", func() {
			b.RecordResponse(100 * time.Millisecond)
			b.RecordResponse(200 * time.Millisecond)
			Expect(b.EWMATime()).To(BeNumerically("~", 120*time.Millisecond, time.Microsecond))
		})
	})
})
