package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/angeloszaimis/api-gateway/internal/registry"
	"github.com/angeloszaimis/api-gateway/internal/reqctx"
)

var (
	ErrNotRegistered      = registry.ErrNotRegistered
	ErrBreakerOpen        = errors.New("circuit breaker open")
	ErrUpstreamTimeout    = errors.New("upstream timeout")
	ErrUpstreamConnection = errors.New("upstream connection error")
	ErrClientClosed       = errors.New("client closed request")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrUnauthorized       = errors.New("api key required")
	ErrForbidden          = errors.New("api key not permitted")
)

// StatusClientClosedRequest is logged when the caller went away before the
// upstream answered. Nothing is written to the client in that case.
const StatusClientClosedRequest = 499

// Error is a classified gateway failure. Kind is one of the sentinels above
// and Err is the underlying cause, if any.
type Error struct {
	Status     int
	Kind       error
	Service    string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Service != "" {
		msg = e.Service + ": " + msg
	}
	if e.Err != nil && e.Err != e.Kind {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NotRegistered(path string) *Error {
	return &Error{Status: http.StatusNotFound, Kind: ErrNotRegistered, Err: errors.New(path)}
}

func BreakerOpen(service string, retryAfter time.Duration) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Kind: ErrBreakerOpen, Service: service, RetryAfter: retryAfter}
}

func UpstreamTimeout(service string, cause error) *Error {
	return &Error{Status: http.StatusGatewayTimeout, Kind: ErrUpstreamTimeout, Service: service, Err: cause}
}

func UpstreamConnection(service string, cause error) *Error {
	return &Error{Status: http.StatusBadGateway, Kind: ErrUpstreamConnection, Service: service, Err: cause}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Status: http.StatusTooManyRequests, Kind: ErrRateLimited, RetryAfter: retryAfter}
}

func Unauthorized() *Error {
	return &Error{Status: http.StatusUnauthorized, Kind: ErrUnauthorized}
}

func Forbidden(keyID string) *Error {
	return &Error{Status: http.StatusForbidden, Kind: ErrForbidden, Err: errors.New(keyID)}
}

// Classify converts any error into an *Error, mapping bare sentinels to their
// status codes. Unknown errors become 502.
func Classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, ErrNotRegistered):
		return &Error{Status: http.StatusNotFound, Kind: ErrNotRegistered, Err: err}
	case errors.Is(err, ErrBreakerOpen):
		return &Error{Status: http.StatusServiceUnavailable, Kind: ErrBreakerOpen, Err: err}
	case errors.Is(err, ErrUpstreamTimeout):
		return &Error{Status: http.StatusGatewayTimeout, Kind: ErrUpstreamTimeout, Err: err}
	case errors.Is(err, ErrClientClosed):
		return &Error{Status: StatusClientClosedRequest, Kind: ErrClientClosed, Err: err}
	case errors.Is(err, ErrRateLimited):
		return &Error{Status: http.StatusTooManyRequests, Kind: ErrRateLimited, Err: err}
	case errors.Is(err, ErrUnauthorized):
		return &Error{Status: http.StatusUnauthorized, Kind: ErrUnauthorized, Err: err}
	case errors.Is(err, ErrForbidden):
		return &Error{Status: http.StatusForbidden, Kind: ErrForbidden, Err: err}
	default:
		return &Error{Status: http.StatusBadGateway, Kind: ErrUpstreamConnection, Err: err}
	}
}

// Body is the JSON shape of every gateway generated error.
type Body struct {
	Status        int    `json:"status"`
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Service       string `json:"service,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

var kindNames = map[error]string{
	ErrNotRegistered:      "NotRegistered",
	ErrBreakerOpen:        "BreakerOpen",
	ErrUpstreamTimeout:    "UpstreamTimeout",
	ErrUpstreamConnection: "UpstreamConnectionError",
	ErrClientClosed:       "ClientClosedRequest",
	ErrRateLimited:        "RateLimited",
	ErrUnauthorized:       "Unauthorized",
	ErrForbidden:          "Forbidden",
}

var messages = map[error]string{
	ErrNotRegistered:      "No service is registered for this path",
	ErrBreakerOpen:        "Service temporarily unavailable, please retry later",
	ErrUpstreamTimeout:    "The upstream service did not respond in time",
	ErrUpstreamConnection: "The upstream service could not be reached",
	ErrClientClosed:       "Client closed the request",
	ErrRateLimited:        "Too many requests, please slow down",
	ErrUnauthorized:       "An API key is required for this operation",
	ErrForbidden:          "This API key may not perform this operation",
}

// NewBody renders err. The cause is included as detail only when verbose.
func NewBody(r *http.Request, err error, verbose bool) Body {
	e := Classify(err)
	b := Body{
		Status:        e.Status,
		Error:         kindNames[e.Kind],
		Message:       messages[e.Kind],
		CorrelationID: reqctx.CorrelationID(r.Context()),
		Service:       e.Service,
	}
	if verbose && e.Err != nil {
		b.Detail = e.Err.Error()
	}
	return b
}

// Write sends err as a JSON error response.
func Write(w http.ResponseWriter, r *http.Request, err error, verbose bool) {
	e := Classify(err)
	body := NewBody(r, e, verbose)

	if body.CorrelationID != "" {
		w.Header().Set(reqctx.HeaderCorrelationID, body.CorrelationID)
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(e.RetryAfter)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(body)
}

func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
