// Package handler implements the gateway's proxy handler. It resolves the
// owning service, consults its circuit breaker, forwards with a per-call
// timeout and bounded retries, and converts failures into structured
// error responses.
package handler
