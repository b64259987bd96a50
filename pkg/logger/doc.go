// Package logger provides structured logging with configurable log levels.
// It wraps the standard log/slog package: JSON output in prod, text output
// everywhere else. Request-scoped attributes such as the correlation id can
// be attached to a context with WithAttrs and are appended to every record
// logged through the *Context methods.
package logger
