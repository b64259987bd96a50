// Package config handles loading and validation of the gateway configuration
// from YAML files, a .env file and GATEWAY_* environment variables. It defines
// the server, logging, health check, circuit breaker, retry, rate limit and
// identity settings plus the table of backend services.
package config
