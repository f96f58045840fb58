package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
)

// Check pings one dependency.
type Check func(ctx context.Context) error

type healthResponse struct {
	Status    string                 `json:"status"`
	Checks    map[string]string      `json:"checks,omitempty"`
	Providers []circuitbreaker.Stats `json:"providers,omitempty"`
}

// Health serves GET /health. A failing dependency check answers 503; provider
// breakers are reported only.
func Health(checks map[string]Check, breakers ...*circuitbreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		for _, b := range breakers {
			resp.Providers = append(resp.Providers, b.Stats())
		}

		writeJSON(w, status, resp)
	}
}

// ResetProvider serves POST /providers/{name}/reset, closing the named
// provider's breaker.
func ResetProvider(breakers ...*circuitbreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		for _, b := range breakers {
			if b.Name() == name {
				b.Reset()
				writeJSON(w, http.StatusOK, b.Stats())
				return
			}
		}
		writeProblem(w, http.StatusNotFound, "not_found", "Provider not found", "no provider named "+name)
	}
}
