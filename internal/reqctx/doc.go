// Package reqctx carries per-request gateway state (correlation id, caller
// identity, target service) through context.Context.
package reqctx
