package status

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/angeloszaimis/api-gateway/internal/apierr"
	"github.com/angeloszaimis/api-gateway/internal/backend"
	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/api-gateway/internal/healthcheck"
	"github.com/angeloszaimis/api-gateway/internal/reqctx"
)

// ServiceStatus is one service's probe result combined with the live
// routing view of it.
type ServiceStatus struct {
	healthcheck.ServiceHealth
	Breaker    circuitbreaker.State `json:"breaker"`
	AvgLatency time.Duration        `json:"avg_latency"`
	InFlight   int                  `json:"in_flight"`
}

type HealthResponse struct {
	Status    healthcheck.Status `json:"status"`
	CheckedAt time.Time          `json:"checked_at"`
	Services  []ServiceStatus    `json:"services"`
}

type Handler struct {
	logger   *slog.Logger
	prober   *healthcheck.Prober
	breakers *circuitbreaker.Registry
	backends map[string]*backend.Backend
}

func NewHandler(
	logger *slog.Logger,
	prober *healthcheck.Prober,
	breakers *circuitbreaker.Registry,
	backends map[string]*backend.Backend,
) *Handler {
	return &Handler{
		logger:   logger,
		prober:   prober,
		breakers: breakers,
		backends: backends,
	}
}

// Health reports the rollup. An unhealthy gateway answers 503 so load
// balancers in front of it can act on the status code alone.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.prober.Aggregate()
	states := h.breakers.States()

	resp := HealthResponse{
		Status:    report.Status,
		CheckedAt: report.CheckedAt,
		Services:  make([]ServiceStatus, 0, len(report.Services)),
	}
	for _, sh := range report.Services {
		s := ServiceStatus{ServiceHealth: sh, Breaker: states[sh.Service]}
		if be, ok := h.backends[sh.Service]; ok {
			s.AvgLatency = be.EWMATime()
			s.InFlight = be.ActiveConnections()
		}
		resp.Services = append(resp.Services, s)
	}

	code := http.StatusOK
	if resp.Status == healthcheck.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, r, code, resp)
}

// Breakers dumps the raw statistics of every breaker.
func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.breakers.Stats())
}

// ResetBreaker forces the breaker named in the path closed.
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := h.breakers.Reset(name); err != nil {
		if errors.Is(err, circuitbreaker.ErrUnknownBreaker) {
			h.writeJSON(w, r, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		h.writeJSON(w, r, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.logger.WarnContext(r.Context(), "Circuit breaker reset manually",
		slog.String("service", name),
		slog.String("from", r.RemoteAddr))

	cb, _ := h.breakers.Breaker(name)
	h.writeJSON(w, r, http.StatusOK, cb.Stats())
}

// RequireAPIKey wraps next so that only callers presenting a configured API
// key reach it. A non-empty keyIDs narrows that to the listed key ids.
func (h *Handler) RequireAPIKey(keyIDs []string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pc, _ := reqctx.FromContext(r.Context())
		keyID := pc.Identity.APIKeyID

		if keyID == "" {
			h.logger.WarnContext(r.Context(), "Admin request without API key",
				slog.String("path", r.URL.Path),
				slog.String("from", r.RemoteAddr))
			apierr.Write(w, r, apierr.Unauthorized(), false)
			return
		}
		if len(keyIDs) > 0 && !slices.Contains(keyIDs, keyID) {
			h.logger.WarnContext(r.Context(), "Admin request with unlisted API key",
				slog.String("path", r.URL.Path),
				slog.String("api_key_id", keyID))
			apierr.Write(w, r, apierr.Forbidden(keyID), false)
			return
		}

		next(w, r)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to encode response", slog.String("error", err.Error()))
	}
}
