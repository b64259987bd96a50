// Package status serves the gateway's operational endpoints: the aggregated
// health report, the raw circuit breaker dump and manual breaker resets.
package status
