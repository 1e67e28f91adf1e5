package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/ratelimit"
	"github.com/austindbirch/harbor_relay/internal/relay"
	"github.com/austindbirch/harbor_relay/internal/signature"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const janitorInterval = time.Minute

// app holds everything the relay needs to serve, plus the cleanup for it.
type app struct {
	server  *http.Server
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// shutdownTimeout lets a webhook verified just before the signal finish its retries.
func shutdownTimeout(cfg config.Config) time.Duration {
	return cfg.Backend.RetryBudget() + 5*time.Second
}

func credentials(cfg config.Config) auth.CredentialSource {
	if cfg.Backend.AuthMode == config.AuthModeJWT {
		return auth.NewJWTIssuer(cfg.Backend.APIKey, cfg.Backend.JWTIssuer, cfg.Backend.JWTAudience, cfg.Backend.JWTTTL)
	}
	return auth.StaticCredential(cfg.Backend.APIKey)
}

func rateLimitStore(ctx context.Context, cfg config.Config, logger *logging.Logger) (ratelimit.Store, func(), error) {
	if cfg.RateLimit.RedisAddr == "" {
		store := ratelimit.NewMemoryStore()
		jctx, cancel := context.WithCancel(ctx)
		go store.RunJanitor(jctx, janitorInterval)
		return store, cancel, nil
	}

	client, err := ratelimit.DialRedis(ctx, cfg.RateLimit.RedisAddr, cfg.RateLimit.RedisPass, cfg.RateLimit.RedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("rate limit redis: %w", err)
	}
	logger.Plain().WithField("addr", cfg.RateLimit.RedisAddr).Info("rate limiting shared through redis")
	return ratelimit.NewRedisStore(client), func() { _ = client.Close() }, nil
}

func deadLetters(cfg config.Config, logger *logging.Logger) (delivery.Publisher, func(), error) {
	if cfg.DeadLetter.NsqdTCPAddr == "" {
		return nil, func() {}, nil
	}
	pub, err := delivery.NewNSQPublisher(cfg.DeadLetter.NsqdTCPAddr, cfg.DeadLetter.Topic)
	if err != nil {
		return nil, nil, fmt.Errorf("dead letter producer: %w", err)
	}
	if err := pub.Ping(); err != nil {
		logger.Plain().WithError(err).Warn("nsqd not reachable yet, dead letters will be retried on publish")
	}
	logger.WithFields(map[string]interface{}{
		"nsqd":  cfg.DeadLetter.NsqdTCPAddr,
		"topic": pub.Topic(),
	}).Info("dead letter publishing enabled")
	return pub, pub.Stop, nil
}

func newApp(ctx context.Context, cfg config.Config, reg *prometheus.Registry, logger *logging.Logger) (*app, error) {
	a := &app{}

	store, closeStore, err := rateLimitStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	dlq, closeDLQ, err := deadLetters(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeDLQ)

	verifier := relay.NewEventVerifier(
		signature.NewVerifier(cfg.Webhook.SigningKey, signature.WithTolerance(cfg.Webhook.SignatureTolerance)),
	)
	forwarder := relay.NewForwarder(relay.ForwarderConfig{
		URL:            cfg.ForwardURL(),
		Timeout:        cfg.Backend.Timeout,
		MaxRetries:     cfg.Backend.MaxRetries,
		RetryDelay:     cfg.Backend.RetryDelay,
		ServiceVersion: cfg.ServiceVersion,
		Credentials:    credentials(cfg),
		Logger:         logger,
	})
	handler := relay.NewHandler(relay.HandlerConfig{
		Verifier:        verifier,
		Forwarder:       forwarder,
		DeadLetters:     dlq,
		Logger:          logger,
		MaxPayloadBytes: cfg.Webhook.MaxPayloadBytes,
		Development:     cfg.IsDevelopment(),
	})

	proxies, err := ratelimit.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		a.Close()
		return nil, err
	}

	router := relay.NewRouter(relay.Deps{
		ServiceName:    cfg.AppName,
		ServiceVersion: cfg.ServiceVersion,
		Provider:       cfg.Webhook.Provider,
		AllowedOrigins: cfg.AllowedOrigins,
		Started:        time.Now(),
		Webhook:        handler,
		Limiter:        ratelimit.New(store, cfg.RateLimit.Max, cfg.RateLimit.Window),
		TrustedProxies: proxies,
		Health: &health.Checker{
			Service:    cfg.AppName,
			Version:    cfg.ServiceVersion,
			BackendURL: cfg.BackendHealthURL(),
			Timeout:    cfg.Backend.HealthTimeout,
		},
		Registry: reg,
		Logger:   logger,
	})

	a.server = &http.Server{
		Addr:              cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService(cfg.AppName)
	logger := logging.Default()

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	a, err := newApp(ctx, cfg, reg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to start relay")
	}
	defer a.Close()

	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":        cfg.Port,
			"provider":    cfg.Webhook.Provider,
			"forward_url": cfg.ForwardURL(),
			"env":         cfg.Env,
		}).Info("webhook relay listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("HTTP serve failed")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down")

	// In-flight webhooks may still be retrying against the backend.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Error("graceful shutdown failed")
	}
	logger.Plain().Info("relay stopped")
}
