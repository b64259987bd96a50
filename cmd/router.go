package main

import (
	"net/http"

	"github.com/angeloszaimis/api-gateway/internal/handler"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
	"github.com/angeloszaimis/api-gateway/internal/ratelimit"
	"github.com/angeloszaimis/api-gateway/internal/reqctx"
	"github.com/angeloszaimis/api-gateway/internal/status"
)

// access decides who the caller is and who may use operator endpoints.
type access struct {
	resolver  reqctx.IdentityResolver
	proxies   reqctx.TrustedProxies
	adminKeys []string
}

// setupRouter mounts the proxy on every path not claimed by an operational
// endpoint. Only proxied traffic is rate limited. limiter may be nil.
func setupRouter(
	gateway *handler.GatewayHandler,
	statusHandler *status.Handler,
	metricsCollector *metrics.Collector,
	limiter *ratelimit.Limiter,
	acc access,
) http.Handler {
	mux := http.NewServeMux()

	var proxy http.Handler = gateway
	if limiter != nil {
		proxy = limiter.Middleware(proxy)
	}
	mux.Handle("/", proxy)

	mux.HandleFunc("GET /health", statusHandler.Health)
	mux.HandleFunc("GET /health/breakers", statusHandler.Breakers)
	mux.HandleFunc("POST /health/breakers/{name}/reset", statusHandler.RequireAPIKey(acc.adminKeys, statusHandler.ResetBreaker))
	mux.Handle("GET /metrics", metricsCollector.PrometheusHandler())
	mux.HandleFunc("GET /metrics/summary", metricsCollector.Handler())

	return reqctx.Middleware(acc.resolver, reqctx.WithTrustedProxies(acc.proxies))(mux)
}
