package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/ratelimit"
)

// RateLimitMiddleware creates an HTTP middleware that enforces request limits
// with the same sliding window the dispatch workers use. The keyFunc extracts
// the rate limit key from the request (e.g., tenant ID, IP).
func RateLimitMiddleware(limiter ratelimit.Limiter, policy ratelimit.Policy, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || policy.Unlimited() {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			wait, err := limiter.Acquire(r.Context(), "api:"+key, policy)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if policy.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
			}

			if wait > 0 {
				metrics.RecordRateLimitRejection(key)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Please retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TenantKeyFunc extracts tenant ID from the X-Tenant-ID header or query param.
func TenantKeyFunc(r *http.Request) string {
	if tenantID := r.Header.Get("X-Tenant-ID"); tenantID != "" {
		return "tenant:" + tenantID
	}
	if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
		return "tenant:" + tenantID
	}
	return ""
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

// TenantOrIPKeyFunc limits by tenant when the caller names one, by client
// address otherwise.
func TenantOrIPKeyFunc(r *http.Request) string {
	if key := TenantKeyFunc(r); key != "" {
		return key
	}
	return IPKeyFunc(r)
}
