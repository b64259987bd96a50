// Package registry holds the static table of backend services the gateway
// routes to. The table is built once at startup and is read-only afterwards,
// so lookups need no synchronization.
package registry
