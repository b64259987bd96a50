// Mockbackend is a stand-in for one platform service, used to exercise the
// gateway locally. It answers every path with a JSON echo of what the gateway
// forwarded and exposes /health for the prober.
//
// Faults are injected at runtime, so breaker behavior can be observed
// without restarting anything:
//
//	go run ./scripts/mockbackend -name payments -port 3004
//	curl -X POST localhost:3004/admin/fault -d '{"mode":"error"}'
//	curl -X POST localhost:3004/admin/fault -d '{"mode":"slow","latency":"3s"}'
//	curl -X POST localhost:3004/admin/fault -d '{"mode":"ok"}'
//
// Modes: ok, error (500 on every call), slow (sleep before answering),
// down (health fails, traffic still served), flaky (error on fail-rate of calls).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/api-gateway/internal/httpserver"
	"github.com/angeloszaimis/api-gateway/internal/reqctx"
	"github.com/angeloszaimis/api-gateway/pkg/logger"
)

type fault struct {
	Mode     string  `json:"mode"`
	Latency  string  `json:"latency,omitempty"`
	FailRate float64 `json:"fail_rate,omitempty"`
}

type faultState struct {
	mutex sync.RWMutex
	fault fault
	delay time.Duration
}

func (s *faultState) get() (fault, time.Duration) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.fault, s.delay
}

func (s *faultState) set(f fault) error {
	var delay time.Duration
	if f.Latency != "" {
		d, err := time.ParseDuration(f.Latency)
		if err != nil {
			return fmt.Errorf("parse latency: %w", err)
		}
		delay = d
	}
	switch f.Mode {
	case "ok", "error", "slow", "down", "flaky":
	default:
		return fmt.Errorf("unknown mode %q", f.Mode)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.fault = f
	s.delay = delay
	return nil
}

// Echo is the body returned for every proxied call.
type Echo struct {
	ID            string `json:"id"`
	Service       string `json:"service"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	Query         string `json:"query,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Role          string `json:"role,omitempty"`
	APIKeyID      string `json:"api_key_id,omitempty"`
	ForwardedFor  string `json:"forwarded_for,omitempty"`
}

func main() {
	var (
		port     = flag.Int("port", 3001, "port to listen on")
		name     = flag.String("name", "mock", "service name reported in responses")
		mode     = flag.String("mode", "ok", "initial fault mode")
		latency  = flag.String("latency", "2s", "delay used by the slow mode")
		failRate = flag.Float64("fail-rate", 0.5, "error ratio used by the flaky mode")
	)
	flag.Parse()

	log := logger.New("info", false, "dev").With(slog.String("service", *name))

	state := &faultState{}
	if err := state.set(fault{Mode: *mode, Latency: *latency, FailRate: *failRate}); err != nil {
		log.Error("Invalid initial fault", slog.Any("err", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if f, _ := state.get(); f.Mode == "down" {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /admin/fault", func(w http.ResponseWriter, r *http.Request) {
		var f fault
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := state.set(f); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Warn("Fault mode changed", slog.String("mode", f.Mode), slog.String("latency", f.Latency))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f, delay := state.get()

		log.Info("Request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("correlation_id", r.Header.Get(reqctx.HeaderCorrelationID)),
			slog.String("mode", f.Mode))

		switch f.Mode {
		case "slow":
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		case "error":
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		case "flaky":
			if rand.Float64() < f.FailRate {
				http.Error(w, "injected failure", http.StatusInternalServerError)
				return
			}
		}

		echo := Echo{
			ID:            uuid.NewString(),
			Service:       *name,
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			CorrelationID: r.Header.Get(reqctx.HeaderCorrelationID),
			UserID:        r.Header.Get(reqctx.HeaderUserID),
			Role:          r.Header.Get(reqctx.HeaderUserRole),
			APIKeyID:      r.Header.Get(reqctx.HeaderAPIKeyID),
			ForwardedFor:  r.Header.Get("X-Forwarded-For"),
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend-Server", *name)
		code := http.StatusOK
		if r.Method == http.MethodPost {
			code = http.StatusCreated
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(echo)
	})

	srv, err := httpserver.New(fmt.Sprintf(":%d", *port), mux)
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("Mock backend listening", slog.Int("port", *port), slog.String("mode", *mode))
	if err := srv.Start(); err != nil {
		log.Error("Server failed", slog.Any("err", err))
		os.Exit(1)
	}
}
