// Package retry computes exponential backoff delays with jitter for
// retrying idempotent upstream calls.
package retry
