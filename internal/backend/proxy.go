package backend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/angeloszaimis/api-gateway/internal/apierr"
	"github.com/angeloszaimis/api-gateway/internal/registry"
)

// Backend is the forwarding side of one registered service.
type Backend struct {
	endpoint          registry.ServiceEndpoint
	transport         http.RoundTripper
	mutex             sync.Mutex
	activeConnections int
	ewmaResponseTime  time.Duration
	hasEWMA           bool
}

const ewmaAlpha = 0.2

// NewTransport returns the transport shared by all backends. Compression is
// left to the client and upstream so bodies pass through unchanged.
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DisableCompression = true
	t.MaxIdleConnsPerHost = 32
	return t
}

// New creates a Backend for endpoint. A nil transport uses NewTransport.
func New(endpoint registry.ServiceEndpoint, transport http.RoundTripper) *Backend {
	if transport == nil {
		transport = NewTransport()
	}
	return &Backend{
		endpoint:  endpoint,
		transport: transport,
	}
}

// ForRegistry builds one backend per registered service sharing transport.
func ForRegistry(reg *registry.Registry, transport http.RoundTripper) map[string]*Backend {
	if transport == nil {
		transport = NewTransport()
	}
	backends := make(map[string]*Backend, reg.Len())
	for _, e := range reg.Endpoints() {
		backends[e.Name] = New(e, transport)
	}
	return backends
}

func (b *Backend) Endpoint() registry.ServiceEndpoint {
	return b.endpoint
}

func (b *Backend) Name() string {
	return b.endpoint.Name
}

// Forward issues req upstream and classifies transport failures. The caller
// owns the response body. Errors wrap apierr.ErrUpstreamTimeout,
// apierr.ErrClientClosed or apierr.ErrUpstreamConnection.
func (b *Backend) Forward(req *http.Request) (*http.Response, error) {
	b.IncrementConn()
	defer b.DecrementConn()

	start := time.Now()
	resp, err := b.transport.RoundTrip(req)
	if err != nil {
		return nil, classify(req.Context(), b.endpoint.Name, err)
	}
	b.RecordResponse(time.Since(start))
	return resp, nil
}

func classify(ctx context.Context, service string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return &apierr.Error{Status: apierr.StatusClientClosedRequest, Kind: apierr.ErrClientClosed, Service: service, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apierr.UpstreamTimeout(service, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return apierr.UpstreamTimeout(service, err)
	default:
		return apierr.UpstreamConnection(service, err)
	}
}

// IncrementConn increments the in-flight call count.
func (b *Backend) IncrementConn() {
	b.mutex.Lock()
	b.activeConnections++
	b.mutex.Unlock()
}

// DecrementConn decrements the in-flight call count.
func (b *Backend) DecrementConn() {
	b.mutex.Lock()
	if b.activeConnections > 0 {
		b.activeConnections--
	}
	b.mutex.Unlock()
}

func (b *Backend) ActiveConnections() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.activeConnections
}

// RecordResponse updates the exponentially weighted moving average (EWMA)
// response time using the latest request duration.
func (b *Backend) RecordResponse(duration time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		b.ewmaResponseTime = duration
		b.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	b.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(b.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the smoothed response time, or 0 before the first
// response.
func (b *Backend) EWMATime() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		return 0
	}
	return b.ewmaResponseTime
}
