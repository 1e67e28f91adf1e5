package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// receiver stands in for the internal backend during local runs and demos.
type receiver struct {
	failFirstN int
	failStatus int
	delay      time.Duration
	logger     *logging.Logger

	reqCount atomic.Int64
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("fake-backend")
	logger := logging.Default()

	if cfg.Backend.APIKey == "" {
		logger.Plain().Fatal("INTERNAL_API_KEY is required")
	}

	rc := &receiver{
		failFirstN: cfg.FakeBackend.FailFirstN,
		failStatus: cfg.FakeBackend.FailStatus,
		delay:      time.Duration(cfg.FakeBackend.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
	}
	validator := auth.NewValidator(
		cfg.Backend.APIKey,
		cfg.Backend.JWTIssuer,
		cfg.Backend.JWTAudience,
		cfg.Backend.AuthMode == config.AuthModeJWT,
		"/health",
	)

	srv := &http.Server{
		Addr:         cfg.FakeBackend.Port,
		Handler:      newRouter(rc, validator),
		ReadTimeout:  cfg.FakeBackend.ReadTimeout,
		WriteTimeout: cfg.FakeBackend.WriteTimeout,
		IdleTimeout:  cfg.FakeBackend.IdleTimeout,
	}

	logger.WithFields(map[string]any{
		"addr":         cfg.FakeBackend.Port,
		"fail_first_n": rc.failFirstN,
		"fail_status":  rc.failStatus,
		"delay_ms":     rc.delay.Milliseconds(),
	}).Info("fake-backend listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("HTTP serve failed")
	}
}

func newRouter(rc *receiver, validator *auth.Validator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.With(validator.HTTPMiddleware).Post("/api/webhooks/{processed}", rc.handleProcessed)
	return r
}

func (rc *receiver) handleProcessed(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			return
		}
	}

	// Continue the relay's trace so backend logs carry its trace_id.
	ctx := tracing.ExtractHTTP(r.Context(), r.Header)
	entry := rc.logger.WithContext(ctx).
		WithRequest(r.Header.Get("X-Request-ID")).
		WithField("path", r.URL.Path).
		WithField("retry_count", r.Header.Get("X-Retry-Count"))

	// Simulate flakiness: first N requests fail
	if n <= int64(rc.failFirstN) {
		entry.WithField("failing", fmt.Sprintf("%d/%d", n, rc.failFirstN)).
			WithField("body", truncate(string(b), 160)).
			Warn("fake-backend failing request")
		http.Error(w, "temporary failure", rc.failStatus)
		return
	}

	var env delivery.Envelope
	if err := json.Unmarshal(b, &env); err != nil || env.EventID == "" {
		entry.WithField("body", truncate(string(b), 160)).Warn("fake-backend rejected malformed envelope")
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	entry.WithEvent(env.EventID).
		WithEventType(env.EventType).
		WithField("subject", subject(r)).
		Info("fake-backend processed event")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"received":true}`))
}

func subject(r *http.Request) string {
	s, _ := auth.SubjectFromContext(r.Context())
	return s
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
