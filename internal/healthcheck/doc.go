// Package healthcheck probes every registered service on a fixed interval
// and keeps an advisory health table. The table never gates routing; the
// circuit breaker does. Readers get copies of the table, and Aggregate rolls
// it up into a gateway-wide status.
package healthcheck
