package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// EventForwarder delivers a verified event to the backend.
type EventForwarder interface {
	Forward(ctx context.Context, ev Event, originalHeaders http.Header, requestID string) ForwardResult
}

type HandlerConfig struct {
	Verifier        Verifier
	Forwarder       EventForwarder
	DeadLetters     delivery.Publisher // optional
	Logger          *logging.Logger
	MaxPayloadBytes int64
	Development     bool // expose error details to callers
}

// Handler implements the provider-facing webhook endpoint.
type Handler struct {
	verifier    Verifier
	forwarder   EventForwarder
	deadLetters delivery.Publisher
	logger      *logging.Logger
	maxBody     int64
	dev         bool
	newID       func() string
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		verifier:    cfg.Verifier,
		forwarder:   cfg.Forwarder,
		deadLetters: cfg.DeadLetters,
		logger:      logger,
		maxBody:     cfg.MaxPayloadBytes,
		dev:         cfg.Development,
		newID:       uuid.NewString,
	}
}

type processedResponse struct {
	Status         string `json:"status"`
	EventID        string `json:"event_id"`
	ProcessingTime string `json:"processing_time"`
	RequestID      string `json:"request_id"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	RequestID string `json:"request_id"`
	Message   string `json:"message,omitempty"`
}

type failedResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Retry     bool   `json:"retry"`
	Message   string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := h.newID()

	ctx, span := tracing.StartSpan(r.Context(), "relay.webhook",
		attribute.String("request_id", requestID),
	)
	defer span.End()

	lc := newLifecycle(ctx)
	ctx = withLifecycle(ctx, lc)
	w.Header().Set("X-Request-ID", requestID)

	metrics.RecordWebhookReceived()
	h.logger.WithContext(ctx).
		WithRequest(requestID).
		WithField("headers", logging.RedactHeaders(r.Header)).
		WithField("content_length", r.ContentLength).
		Info("webhook received")

	body, err := h.readBody(w, r)
	if err != nil {
		h.rejectBody(ctx, w, lc, requestID, err)
		return
	}

	lc.to(StateVerifying)
	ev, err := h.verifier.Verify(r.Header, body)
	if err != nil {
		var ve *VerificationError
		if !errors.As(err, &ve) {
			ve = &VerificationError{Code: CodeInvalidSignature, Err: err}
		}
		h.rejectVerification(ctx, w, lc, requestID, ve)
		return
	}

	lc.to(StateVerified)
	span.SetAttributes(attribute.String("event_id", ev.ID), attribute.String("event_type", ev.Type))
	h.logger.WithContext(ctx).
		WithRequest(requestID).
		WithEvent(ev.ID).
		WithEventType(ev.Type).
		Info("webhook verified")

	// The provider hanging up must not abandon an event already verified.
	lc.to(StateForwarding)
	fctx := context.WithoutCancel(ctx)
	res := h.forwarder.Forward(fctx, ev, r.Header, requestID)
	metrics.RecordForwardResult(res.OK, res.Latency)

	entry := h.logger.WithContext(ctx).
		WithRequest(requestID).
		WithEvent(ev.ID).
		WithEventType(ev.Type).
		WithField("attempts", res.Attempts).
		WithField("forward_latency_ms", res.Latency.Milliseconds())

	if res.OK {
		lc.to(StateForwarded)
		entry.WithField("state", lc.current().String()).Info("webhook forwarded")
		writeJSON(w, http.StatusOK, processedResponse{
			Status:         "processed",
			EventID:        ev.ID,
			ProcessingTime: fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
			RequestID:      requestID,
		})
		return
	}

	lc.to(StateForwardFailed)
	tracing.SetSpanError(ctx, res.Err)
	entry.WithField("state", lc.current().String()).
		WithField("status_code", res.StatusCode).
		WithField("retryable", res.Retryable).
		WithField("reason", res.Reason).
		WithError(res.Err).
		Error("webhook forward failed")

	h.publishDeadLetter(fctx, requestID, res)

	resp := failedResponse{Status: "processing_failed", RequestID: requestID, Retry: true}
	if h.dev && res.Err != nil {
		resp.Message = res.Err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, resp)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if h.maxBody <= 0 {
		return io.ReadAll(r.Body)
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
}

func (h *Handler) rejectBody(ctx context.Context, w http.ResponseWriter, lc *lifecycle, requestID string, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.logger.WithContext(ctx).
			WithRequest(requestID).
			WithField("limit_bytes", tooLarge.Limit).
			Warn("webhook payload too large")
		resp := errorResponse{Error: "Payload too large", ErrorCode: "PAYLOAD_TOO_LARGE", RequestID: requestID}
		writeJSON(w, http.StatusRequestEntityTooLarge, resp)
		return
	}

	lc.to(StateVerifying)
	h.rejectVerification(ctx, w, lc, requestID, &VerificationError{Code: CodeMissingData, Err: fmt.Errorf("reading body: %w", err)})
}

func (h *Handler) rejectVerification(ctx context.Context, w http.ResponseWriter, lc *lifecycle, requestID string, ve *VerificationError) {
	lc.to(StateVerificationFailed)
	metrics.RecordVerificationFailure(string(ve.Code))
	tracing.SetSpanError(ctx, ve)
	h.logger.WithContext(ctx).
		WithRequest(requestID).
		WithField("error_code", string(ve.Code)).
		WithError(ve).
		Warn("webhook verification failed")

	resp := errorResponse{Error: ve.Message(), ErrorCode: string(ve.Code), RequestID: requestID}
	if h.dev {
		resp.Message = ve.Error()
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

func (h *Handler) publishDeadLetter(ctx context.Context, requestID string, res ForwardResult) {
	if h.deadLetters == nil {
		return
	}

	reason := "retries exhausted"
	if !res.Retryable {
		reason = "permanent failure"
	}
	lastErr := ""
	if res.Err != nil {
		lastErr = res.Err.Error()
	}

	dl := delivery.NewDeadLetter(res.Envelope, res.Attempts, res.StatusCode, lastErr, reason)
	err := h.deadLetters.Publish(ctx, dl)
	metrics.RecordDeadLetter(err)
	if err != nil {
		h.logger.WithContext(ctx).WithRequest(requestID).WithEvent(res.Envelope.EventID).WithError(err).Error("dead letter publish failed")
		return
	}
	tracing.AddSpanEvent(ctx, "dead_letter.published")
	h.logger.WithContext(ctx).WithRequest(requestID).WithEvent(res.Envelope.EventID).Info("dead letter published")
}
