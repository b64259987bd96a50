// Package circuitbreaker implements a per-service circuit breaker.
//
// A circuit breaker prevents cascading failures by failing fast while a
// backend is unhealthy. It has three states:
//
//   - CLOSED: calls pass through; outcomes feed a time-bounded rolling window.
//     Once the window holds at least VolumeThreshold calls and the failure
//     ratio reaches FailureThreshold the breaker opens.
//   - OPEN: calls are rejected without contacting the backend. Rejections do
//     not enter the window. After the open duration the next call becomes the
//     half-open trial.
//   - HALF_OPEN: exactly one trial call is admitted. Success closes the
//     breaker and clears the window; failure reopens it with a longer, capped
//     open duration.
//
// Every transition starts a new generation. Allow returns the generation a
// call was admitted in and results from an older generation are ignored, so
// a slow call admitted while CLOSED cannot settle a later half-open trial.
//
// Usage:
//
//	breakers := circuitbreaker.NewRegistry()
//	cb := breakers.Register("payments", circuitbreaker.DefaultSettings())
//	if generation, ok := cb.Allow(); ok {
//	    // Make request...
//	    if err != nil {
//	        cb.RecordFailure(generation, err)
//	    } else {
//	        cb.RecordSuccess(generation)
//	    }
//	}
package circuitbreaker
