package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/api-gateway/internal/apierr"
	"github.com/angeloszaimis/api-gateway/internal/backend"
	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
	"github.com/angeloszaimis/api-gateway/internal/registry"
	"github.com/angeloszaimis/api-gateway/internal/reqctx"
	"github.com/angeloszaimis/api-gateway/internal/retry"
	"github.com/angeloszaimis/api-gateway/pkg/logger"
)

const defaultMaxBodyBytes = 1 << 20

type Options struct {
	Retry retry.Policy
	// MaxBodyBytes bounds the request body buffered for retries. Larger
	// bodies are streamed and never retried.
	MaxBodyBytes int64
	// Verbose adds error detail to gateway generated responses.
	Verbose bool
}

type GatewayHandler struct {
	logger   *slog.Logger
	registry *registry.Registry
	breakers *circuitbreaker.Registry
	backends map[string]*backend.Backend
	sink     metrics.Sink
	opts     Options
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func NewGatewayHandler(
	logger *slog.Logger,
	reg *registry.Registry,
	breakers *circuitbreaker.Registry,
	backends map[string]*backend.Backend,
	sink metrics.Sink,
	opts Options,
) *GatewayHandler {
	if sink == nil {
		sink = metrics.Discard
	}
	if backends == nil {
		backends = backend.ForRegistry(reg, nil)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &GatewayHandler{
		logger:   logger,
		registry: reg,
		breakers: breakers,
		backends: backends,
		sink:     sink,
		opts:     opts,
	}
}

func (g *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint, err := g.registry.Lookup(r.URL.Path)
	if err != nil {
		g.logger.InfoContext(r.Context(), "No service registered for path",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))
		apierr.Write(w, r, apierr.NotRegistered(r.URL.Path), g.opts.Verbose)
		return
	}

	pc, ok := reqctx.FromContext(r.Context())
	if !ok {
		pc = reqctx.ProxyContext{CorrelationID: uuid.NewString(), Start: time.Now()}
		w.Header().Set(reqctx.HeaderCorrelationID, pc.CorrelationID)
	}
	pc = pc.WithService(endpoint.Name)
	ctx := reqctx.NewContext(r.Context(), pc)
	ctx = logger.WithAttrs(ctx, slog.String("service", endpoint.Name))
	r = r.WithContext(ctx)

	g.logger.InfoContext(ctx, "Received request",
		slog.String("from", reqctx.ClientIP(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("proto", r.Proto),
		slog.String("user_agent", r.UserAgent()))

	g.emitEvent(metrics.MetricEvent{Type: metrics.EventRequestRouted, Service: endpoint.Name})

	cb := g.breakers.Register(endpoint.Name, endpoint.Breaker)
	be, ok := g.backends[endpoint.Name]
	if !ok {
		apierr.Write(w, r, apierr.UpstreamConnection(endpoint.Name, errors.New("no backend configured")), g.opts.Verbose)
		return
	}

	retryable := endpoint.Retries > 0 && endpoint.IsIdempotent(r.Method)
	var body []byte
	if retryable && r.Body != nil && r.Body != http.NoBody {
		body, err = io.ReadAll(io.LimitReader(r.Body, g.opts.MaxBodyBytes+1))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if int64(len(body)) > g.opts.MaxBodyBytes {
			// too large to replay; stream the rest and forward once
			retryable = false
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
			body = nil
		}
	}

	policy := g.opts.Retry.WithRetries(endpoint.Retries)
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	var lastErr error
	attempts := 0
	for attempt := 0; ; attempt++ {
		var (
			generation uint64
			admitted   bool
		)

		if attempt == 0 {
			generation, admitted = cb.Allow()
			if !admitted {
				g.emitEvent(metrics.MetricEvent{Type: metrics.EventBreakerRejected, Service: endpoint.Name})
				g.logger.WarnContext(ctx, "Circuit breaker open, rejecting request")
				apierr.Write(rec, r, apierr.BreakerOpen(endpoint.Name, retryAfter(cb)), g.opts.Verbose)
				return
			}
		} else {
			if !retryable || attempt > policy.MaxRetries || !isRetryable(lastErr) {
				break
			}
			// no point backing off once the breaker has left CLOSED
			if cb.State() != circuitbreaker.StateClosed {
				break
			}
			if err := retry.Sleep(ctx, policy.Delay(attempt)); err != nil {
				g.logger.InfoContext(ctx, "Client went away before retry",
					slog.Int("attempt", attempt))
				return
			}
			// a retry only runs while CLOSED and never takes the half-open trial
			generation, admitted = cb.AllowClosed()
			if !admitted {
				break
			}
			g.emitEvent(metrics.MetricEvent{Type: metrics.EventRetry, Service: endpoint.Name})
			g.logger.WarnContext(ctx, "Retrying upstream call",
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
		}

		attempts++
		start := time.Now()
		resp, cancel, err := g.forward(ctx, r, endpoint, be, body, attempt == 0)
		duration := time.Since(start)

		if err != nil {
			cancel()
			cb.RecordFailure(generation, err)
			g.emitEvent(metrics.MetricEvent{
				Type:     metrics.EventUpstreamFailure,
				Service:  endpoint.Name,
				Duration: duration,
				Reason:   failureReason(err),
			})
			if errors.Is(err, apierr.ErrClientClosed) {
				g.logger.InfoContext(ctx, "Client closed request, abandoning upstream call",
					slog.Duration("duration", duration))
				return
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			cb.RecordFailure(generation, fmt.Errorf("upstream status %d", resp.StatusCode))
		} else {
			cb.RecordSuccess(generation)
		}
		g.emitEvent(metrics.MetricEvent{
			Type:       metrics.EventUpstreamResponse,
			Service:    endpoint.Name,
			Duration:   duration,
			StatusCode: resp.StatusCode,
		})

		g.writeResponse(ctx, rec, resp, pc.CorrelationID)
		cancel()

		g.logger.InfoContext(ctx, "Request completed",
			slog.Int("status", rec.statusCode),
			slog.Int("attempts", attempts),
			slog.Duration("upstream", duration),
			slog.Duration("total", pc.Elapsed()))
		return
	}

	g.logger.WarnContext(ctx, "Upstream call failed",
		slog.Int("attempts", attempts),
		slog.String("error", lastErr.Error()))
	apierr.Write(rec, r, lastErr, g.opts.Verbose)
}

// forward issues one attempt. The returned cancel releases the attempt's
// timeout and must be called once the response body is consumed.
func (g *GatewayHandler) forward(
	ctx context.Context,
	r *http.Request,
	endpoint registry.ServiceEndpoint,
	be *backend.Backend,
	body []byte,
	first bool,
) (*http.Response, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if endpoint.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, endpoint.Timeout)
	}

	var reqBody io.Reader = http.NoBody
	contentLength := int64(0)
	switch {
	case body != nil:
		reqBody = bytes.NewReader(body)
		contentLength = int64(len(body))
	case first && r.Body != nil && r.Body != http.NoBody:
		reqBody = r.Body
		contentLength = r.ContentLength
	}

	target := endpoint.Target(r)
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), reqBody)
	if err != nil {
		return nil, cancel, apierr.UpstreamConnection(endpoint.Name, err)
	}
	out.ContentLength = contentLength
	out.Host = target.Host

	pc, _ := reqctx.FromContext(ctx)
	out.Header = cloneHeader(r.Header)
	dropHopByHop(out.Header)
	setIdentity(out.Header, pc)
	addXFF(out.Header, r.RemoteAddr)
	setXFProto(out.Header, r)
	setXFHost(out.Header, r.Host)

	resp, err := be.Forward(out)
	return resp, cancel, err
}

func (g *GatewayHandler) writeResponse(ctx context.Context, w *statusRecorder, resp *http.Response, correlationID string) {
	defer resp.Body.Close()

	dropHopByHop(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(reqctx.HeaderCorrelationID, correlationID)

	// Announce trailers if any
	if len(resp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resp.Trailer))
		for k := range resp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		w.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.logger.DebugContext(ctx, "Response body copy interrupted", slog.String("error", err.Error()))
	}

	for k, vv := range resp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

func (g *GatewayHandler) emitEvent(event metrics.MetricEvent) {
	event.Timestamp = time.Now()
	g.sink.Emit(event)
}

func retryAfter(cb *circuitbreaker.CircuitBreaker) time.Duration {
	if next := cb.Stats().NextRetryAt; next != nil {
		return time.Until(*next)
	}
	return 0
}

func isRetryable(err error) bool {
	return errors.Is(err, apierr.ErrUpstreamTimeout) || errors.Is(err, apierr.ErrUpstreamConnection)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, apierr.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, apierr.ErrClientClosed):
		return "client_closed"
	default:
		return "connection"
	}
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.written {
		return
	}
	r.written = true
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
