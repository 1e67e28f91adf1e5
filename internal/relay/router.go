package relay

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/ratelimit"
	"github.com/austindbirch/harbor_relay/internal/signature"
)

type Deps struct {
	ServiceName    string
	ServiceVersion string
	Provider       string // webhook path segment
	AllowedOrigins []string
	Started        time.Time

	Webhook  http.Handler
	Limiter  *ratelimit.Limiter // nil disables rate limiting
	Health   *health.Checker
	Registry prometheus.Gatherer // nil hides /metrics
	Logger   *logging.Logger

	// Peers allowed to set the client address through X-Forwarded-For or X-Real-IP.
	TrustedProxies []netip.Prefix
}

func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := chi.NewRouter()
	r.Use(ratelimit.TrustedRealIP(d.TrustedProxies))
	r.Use(middleware.Recoverer)

	accessLog := httplog.NewLogger(d.ServiceName, httplog.Options{
		JSON:    true,
		Concise: true,
	})
	r.Use(httplog.RequestLogger(accessLog))

	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{
				"Content-Type",
				signature.HeaderID,
				signature.HeaderTimestamp,
				signature.HeaderSignature,
			},
			ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
			MaxAge:         300,
		}))
	}

	checker := d.Health
	if checker == nil {
		checker = &health.Checker{Service: d.ServiceName, Version: d.ServiceVersion}
	}
	r.Get("/health", health.HTTPHandler(checker))
	r.Get("/status", health.StatusHandler(d.ServiceName, d.ServiceVersion, d.Started))

	if d.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/webhooks", func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(ratelimit.Middleware(d.Limiter, logger))
		}
		r.Method(http.MethodPost, "/"+d.Provider, d.Webhook)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})

	return r
}
