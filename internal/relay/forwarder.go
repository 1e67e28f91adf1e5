package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// ForwardResult is the outcome of the whole retry loop for one event.
type ForwardResult struct {
	OK         bool
	Attempts   int
	StatusCode int   // last backend status, 0 when no response was received
	Err        error // last error, nil on success
	Retryable  bool  // whether the last failure was transient
	Reason     string
	Latency    time.Duration
	Envelope   delivery.Envelope
}

type ForwarderConfig struct {
	URL            string
	Timeout        time.Duration // per attempt
	MaxRetries     int
	RetryDelay     time.Duration
	ServiceVersion string
	Credentials    auth.CredentialSource
	Client         *http.Client
	Logger         *logging.Logger
}

// Forwarder posts verified events to the internal backend with bounded,
// linearly backed-off retries.
type Forwarder struct {
	url        string
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	version    string
	creds      auth.CredentialSource
	client     *http.Client
	logger     *logging.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewForwarder(cfg ForwarderConfig) *Forwarder {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Forwarder{
		url:        cfg.URL,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryDelay,
		version:    cfg.ServiceVersion,
		creds:      cfg.Credentials,
		client:     client,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// RetryDelay is the wait before retrying after the given zero-based attempt.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt+1)
}

// Retryable classifies a single attempt. Transport errors, 5xx and 429 are
// transient; every other non-2xx status is permanent.
func Retryable(status int, transportErr error) bool {
	if transportErr != nil {
		return true
	}
	return status >= 500 || status == http.StatusTooManyRequests
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type attemptOutcome struct {
	status    int
	err       error
	retryable bool
}

func (f *Forwarder) Forward(ctx context.Context, ev Event, originalHeaders http.Header, requestID string) ForwardResult {
	env := delivery.NewEnvelope(ev.Type, ev.ID, ev.Data, delivery.OriginalHeaders(originalHeaders), requestID, f.version)
	return f.ForwardEnvelope(ctx, env)
}

// ForwardEnvelope delivers an already built envelope, as when replaying a dead letter.
func (f *Forwarder) ForwardEnvelope(ctx context.Context, env delivery.Envelope) ForwardResult {
	start := time.Now()
	lc := lifecycleFrom(ctx)
	requestID := env.Metadata.RequestID
	res := ForwardResult{Envelope: env}

	for attempt := 0; ; attempt++ {
		out := f.attempt(ctx, env.WithRetry(attempt), requestID, attempt)
		res.Attempts = attempt + 1
		res.StatusCode = out.status
		res.Err = out.err
		res.Retryable = out.retryable

		if out.err == nil {
			res.OK = true
			res.Reason = ""
			metrics.RecordForwardAttempt("success")
			break
		}

		res.Reason = classifyReason(out.err, out.status)
		entry := f.logger.WithContext(ctx).
			WithRequest(requestID).
			WithEvent(env.EventID).
			WithAttempt(attempt).
			WithField("status_code", out.status).
			WithField("reason", res.Reason).
			WithError(out.err)

		if !out.retryable {
			metrics.RecordForwardAttempt("permanent")
			entry.Warn("forward attempt failed permanently")
			break
		}
		metrics.RecordForwardAttempt("retryable")
		if attempt >= f.maxRetries {
			entry.Warn("forward attempt failed, retries exhausted")
			break
		}

		delay := RetryDelay(f.baseDelay, attempt)
		entry.WithField("delay_ms", delay.Milliseconds()).Warn("forward attempt failed, retrying")
		metrics.RecordRetry(res.Reason)
		lc.to(StateRetryWait)
		if err := f.sleep(ctx, delay); err != nil {
			res.Err = fmt.Errorf("retry wait interrupted: %w", err)
			res.Retryable = true
			break
		}
		lc.to(StateForwarding)
	}

	res.Latency = time.Since(start)
	return res
}

func (f *Forwarder) attempt(ctx context.Context, env delivery.Envelope, requestID string, attempt int) attemptOutcome {
	ctx, span := tracing.StartSpan(ctx, "relay.forward_attempt",
		attribute.String("request_id", requestID),
		attribute.String("event_id", env.EventID),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	token, err := f.creds.Token()
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return attemptOutcome{err: fmt.Errorf("backend credential: %w", err)}
	}

	body, err := json.Marshal(env)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return attemptOutcome{err: fmt.Errorf("marshal envelope: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return attemptOutcome{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("X-Retry-Count", strconv.Itoa(attempt))
	req.Header.Set("User-Agent", "harbor-relay/"+f.version)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return attemptOutcome{err: err, retryable: true}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return attemptOutcome{status: resp.StatusCode}
	}

	statusErr := fmt.Errorf("backend returned %d", resp.StatusCode)
	tracing.SetSpanError(ctx, statusErr)
	return attemptOutcome{
		status:    resp.StatusCode,
		err:       statusErr,
		retryable: Retryable(resp.StatusCode, nil),
	}
}

func classifyReason(err error, status int) string {
	if status == 0 && err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		errLower := strings.ToLower(err.Error())
		switch {
		case strings.Contains(errLower, "timeout"):
			return "timeout"
		case strings.Contains(errLower, "connection refused"):
			return "connection_refused"
		case strings.Contains(errLower, "no such host"), strings.Contains(errLower, "dns"):
			return "dns_error"
		case strings.Contains(errLower, "credential"):
			return "credential"
		}
		return "network"
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}
