package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/relay"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// envelopeForwarder is the part of relay.Forwarder the replayer needs.
type envelopeForwarder interface {
	ForwardEnvelope(ctx context.Context, env delivery.Envelope) relay.ForwardResult
}

// responder is implemented by *nsq.Message.
type responder interface {
	Finish()
	Requeue(delay time.Duration)
}

type replayer struct {
	forwarder    envelopeForwarder
	maxAttempts  int
	requeueDelay time.Duration
	logger       *logging.Logger
}

// HandleMessage implements nsq.Handler. Every message is answered explicitly.
func (r *replayer) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	r.handle(context.Background(), m.Body, int(m.Attempts), m)
	return nil
}

// LogFailedMessage implements nsq.FailedMessageLogger for messages past MaxAttempts.
func (r *replayer) LogFailedMessage(m *nsq.Message) {
	r.logger.Plain().WithField("attempts", m.Attempts).Error("dead letter exceeded nsq max attempts")
	metrics.RecordReplay("abandoned")
}

func (r *replayer) handle(ctx context.Context, body []byte, attempts int, m responder) {
	var dl delivery.DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil || dl.Type != delivery.DLQType || dl.Envelope.EventID == "" {
		entry := r.logger.Plain().WithField("type", dl.Type)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Error("bad dead letter payload")
		metrics.RecordReplay("malformed")
		m.Finish() // terminal: replaying cannot fix the payload
		return
	}

	env := dl.Envelope
	ctx, span := tracing.StartSpan(ctx, "relay.replay",
		attribute.String("event_id", env.EventID),
		attribute.String("event_type", env.EventType),
		attribute.String("request_id", env.Metadata.RequestID),
		attribute.Int("attempt", attempts),
	)
	defer span.End()

	entry := r.logger.WithContext(ctx).
		WithRequest(env.Metadata.RequestID).
		WithEvent(env.EventID).
		WithEventType(env.EventType).
		WithAttempt(attempts)

	res := r.forwarder.ForwardEnvelope(ctx, env)
	switch {
	case res.OK:
		entry.WithField("latency_ms", res.Latency.Milliseconds()).Info("dead letter replayed")
		metrics.RecordReplay("replayed")
		m.Finish()
	case !res.Retryable:
		tracing.SetSpanError(ctx, res.Err)
		entry.WithField("status_code", res.StatusCode).WithError(res.Err).Warn("dead letter rejected permanently, dropping")
		metrics.RecordReplay("dropped")
		m.Finish()
	case attempts >= r.maxAttempts:
		tracing.SetSpanError(ctx, res.Err)
		entry.WithField("status_code", res.StatusCode).WithError(res.Err).Error("dead letter replay attempts exhausted")
		metrics.RecordReplay("abandoned")
		m.Finish()
	default:
		delay := relay.RetryDelay(r.requeueDelay, attempts-1)
		tracing.AddSpanEvent(ctx, "replay.requeue", attribute.String("delay", delay.String()))
		entry.WithField("delay", delay.String()).WithError(res.Err).Info("requeue dead letter")
		metrics.RecordReplay("requeued")
		m.Requeue(delay)
	}
}

func credentials(cfg config.Config) auth.CredentialSource {
	if cfg.Backend.AuthMode == config.AuthModeJWT {
		return auth.NewJWTIssuer(cfg.Backend.APIKey, cfg.Backend.JWTIssuer, cfg.Backend.JWTAudience, cfg.Backend.JWTTTL)
	}
	return auth.StaticCredential(cfg.Backend.APIKey)
}

func newReplayer(cfg config.Config, logger *logging.Logger) *replayer {
	// NSQ owns the retry schedule, so each delivery is a single backend call.
	fwd := relay.NewForwarder(relay.ForwarderConfig{
		URL:            cfg.ForwardURL(),
		Timeout:        cfg.Backend.Timeout,
		MaxRetries:     0,
		ServiceVersion: cfg.ServiceVersion,
		Credentials:    credentials(cfg),
		Logger:         logger,
	})
	return &replayer{
		forwarder:    fwd,
		maxAttempts:  cfg.DeadLetter.ReplayMaxAttempts,
		requeueDelay: cfg.DeadLetter.ReplayRequeueDelay,
		logger:       logger,
	}
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("dlq-replay")
	logger := logging.New("dlq-replay")

	if cfg.DeadLetter.NsqdTCPAddr == "" {
		logger.Plain().Fatal("DLQ_NSQD_ADDR is required")
	}
	if cfg.Backend.APIKey == "" {
		logger.Plain().Fatal("INTERNAL_API_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, "dlq-replay")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	conf := nsq.NewConfig()
	conf.MaxInFlight = 10
	conf.MaxAttempts = uint16(cfg.DeadLetter.ReplayMaxAttempts + 1)
	consumer, err := nsq.NewConsumer(cfg.DeadLetter.Topic, cfg.DeadLetter.ReplayChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(newReplayer(cfg, logger))

	// Connecting directly to nsqd creates the channel now rather than on first publish.
	if err := consumer.ConnectToNSQD(cfg.DeadLetter.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":   cfg.DeadLetter.Topic,
		"channel": cfg.DeadLetter.ReplayChannel,
		"backend": cfg.ForwardURL(),
	}).Info("dead-letter replay started")

	<-ctx.Done()

	logger.Plain().Info("Shutting down dead-letter replay")
	consumer.Stop()
	<-consumer.StopChan
	logger.Plain().Info("dead-letter replay stopped")
}
