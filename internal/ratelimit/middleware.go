package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

const ErrorCode = "RATE_LIMITED"

type rejection struct {
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
	RetryAfter int    `json:"retry_after"`
}

// ClientIP keys requests by remote address. Run TrustedRealIP first so
// headers from trusted proxies are already applied.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429. A failing store lets
// the request through.
func Middleware(l *Limiter, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientIP(r)
			d, err := l.Allow(r.Context(), key)
			if err != nil {
				logger.WithContext(r.Context()).
					WithField("client_ip", key).
					WithError(err).
					Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimited()
			retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
			logger.WithContext(r.Context()).
				WithField("client_ip", key).
				WithField("retry_after", retryAfter).
				Warn("rate limit exceeded")

			h.Set("Retry-After", strconv.Itoa(retryAfter))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rejection{
				Error:      "Too many requests, please try again later",
				ErrorCode:  ErrorCode,
				RetryAfter: retryAfter,
			})
		})
	}
}
