// Package metrics collects gateway metrics through a channel-based event
// pipeline.
//
// Request handlers, the health prober and breaker hooks emit events without
// blocking; when the buffer is full the event is dropped and counted. A
// single goroutine folds events into:
//   - an in-memory summary per service (request counts, status codes,
//     failure reasons, breaker rejections, retries, latency percentiles)
//     served as JSON
//   - Prometheus series on a collector-owned registry
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventUpstreamResponse,
//		Service:    "payments",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
//
// Pending events are drained when the context passed to Start is cancelled.
package metrics
