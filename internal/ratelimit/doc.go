// Package ratelimit bounds how fast a single client may call the gateway.
//
// Each client key gets a fixed-window hit counter held in memory or in
// Redis. Past Requests hits in a window the request is rejected with 429;
// past DelayAfter hits every further request is slowed by DelayStep more,
// up to MaxDelay. When the Redis counter is unreachable, or its guarding
// breaker is open, a local token bucket per client takes over.
package ratelimit
