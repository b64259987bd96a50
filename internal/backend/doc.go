// Package backend forwards requests to a single upstream service. It tracks
// in-flight calls and a smoothed response time per service, and classifies
// transport failures into timeouts and connection errors.
package backend
