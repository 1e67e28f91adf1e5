package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

// fakeBackend answers with the scripted statuses in order, repeating the last one.
type fakeBackend struct {
	*httptest.Server

	mu       sync.Mutex
	statuses []int
	calls    int32
	requests []*http.Request
	bodies   [][]byte
}

func newFakeBackend(t *testing.T, statuses ...int) *fakeBackend {
	t.Helper()
	b := &fakeBackend{statuses: statuses}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&b.calls, 1)
		body, _ := io.ReadAll(r.Body)

		b.mu.Lock()
		b.requests = append(b.requests, r.Clone(context.Background()))
		b.bodies = append(b.bodies, body)
		status := http.StatusOK
		if len(b.statuses) > 0 {
			idx := int(n) - 1
			if idx >= len(b.statuses) {
				idx = len(b.statuses) - 1
			}
			status = b.statuses[idx]
		}
		b.mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *fakeBackend) Calls() int {
	return int(atomic.LoadInt32(&b.calls))
}

func (b *fakeBackend) Envelope(t *testing.T, i int) delivery.Envelope {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Greater(t, len(b.bodies), i)
	var env delivery.Envelope
	require.NoError(t, json.Unmarshal(b.bodies[i], &env))
	return env
}

func (b *fakeBackend) Request(i int) *http.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[i]
}

func quietLogger() *logging.Logger {
	l := logging.New("relay-test")
	l.SetOutput(io.Discard)
	return l
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestForwarder(url string, maxRetries int, rec *sleepRecorder) *Forwarder {
	f := NewForwarder(ForwarderConfig{
		URL:            url,
		Timeout:        2 * time.Second,
		MaxRetries:     maxRetries,
		RetryDelay:     100 * time.Millisecond,
		ServiceVersion: "1.2.3",
		Credentials:    auth.StaticCredential("internal-key"),
		Logger:         quietLogger(),
	})
	if rec != nil {
		f.sleep = rec.sleep
	}
	return f
}

func testEvent() Event {
	return Event{
		ID:   "evt_1",
		Type: "payment.succeeded",
		Data: json.RawMessage(`{"amount":1000}`),
	}
}

func TestRetryDelay(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, RetryDelay(base, 0))
	assert.Equal(t, 2*time.Second, RetryDelay(base, 1))
	assert.Equal(t, 3*time.Second, RetryDelay(base, 2))
	assert.Equal(t, time.Duration(0), RetryDelay(0, 5))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   bool
	}{
		{"transport error", 0, errors.New("connection refused"), true},
		{"internal error", http.StatusInternalServerError, nil, true},
		{"bad gateway", http.StatusBadGateway, nil, true},
		{"unavailable", http.StatusServiceUnavailable, nil, true},
		{"too many requests", http.StatusTooManyRequests, nil, true},
		{"bad request", http.StatusBadRequest, nil, false},
		{"unauthorized", http.StatusUnauthorized, nil, false},
		{"not found", http.StatusNotFound, nil, false},
		{"unprocessable", http.StatusUnprocessableEntity, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.status, tt.err))
		})
	}
}

func TestForward_SuccessFirstAttempt(t *testing.T) {
	backend := newFakeBackend(t, http.StatusOK)
	rec := &sleepRecorder{}
	f := newTestForwarder(backend.URL, 3, rec)

	res := f.Forward(context.Background(), testEvent(), http.Header{}, "req-1")

	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, backend.Calls())
	assert.Empty(t, rec.Delays())
}

func TestForward_RetriesThenSucceeds(t *testing.T) {
	backend := newFakeBackend(t, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)
	rec := &sleepRecorder{}
	f := newTestForwarder(backend.URL, 3, rec)

	res := f.Forward(context.Background(), testEvent(), http.Header{}, "req-2")

	assert.True(t, res.OK)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, backend.Calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.Delays())

	for i := 0; i < 3; i++ {
		assert.Equal(t, i, backend.Envelope(t, i).Metadata.RetryCount)
		assert.Equal(t, strconv.Itoa(i), backend.Request(i).Header.Get("X-Retry-Count"))
	}
}

func TestForward_RetriesExhausted(t *testing.T) {
	backend := newFakeBackend(t, http.StatusServiceUnavailable)
	rec := &sleepRecorder{}
	f := newTestForwarder(backend.URL, 3, rec)

	res := f.Forward(context.Background(), testEvent(), http.Header{}, "req-3")

	assert.False(t, res.OK)
	assert.True(t, res.Retryable)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 4, backend.Calls())
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "http_5xx", res.Reason)
	assert.Error(t, res.Err)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	}, rec.Delays())
}

func TestForward_ZeroRetries(t *testing.T) {
	backend := newFakeBackend(t, http.StatusBadGateway)
	f := newTestForwarder(backend.URL, 0, &sleepRecorder{})

	res := f.Forward(context.Background(), testEvent(), http.Header{}, "req-4")

	assert.False(t, res.OK)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, backend.Calls())
}

func TestForward_PermanentFailure(t *testing.T) {
	backend := newFakeBackend(t, http.StatusNotFound)
	rec := &sleepRecorder{}
	f := newTestForwarder(backend.URL, 3, rec)

	res := f.Forward(context.Background(), testEvent(), http.Header{}, "req-5")

	assert.False(t, res.OK)
	assert.False(t, res.Retryable)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, backend.Calls())
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "http_4xx", res.Reason)
	assert.Empty(t, rec.Delays())
}

func TestForward_BackendRateLimitIsRetried(t *testing.T) {
	backend := newFakeBackend(t, http.StatusTooManyRequests, http.StatusOK)
	rec := &sleepRecorder{}
	f := newTestForwarder(backend.URL, 3, rec)

	res := f.Forward(context.Background(), testEvent(), http.Header{}, "req-6")

	assert.True(t, res.OK)
	assert.Equal(t, 2, backend.Calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, rec.Delays())
}

func TestForward_NetworkFailure(t *testing.T) {
	backend := newFakeBackend(t)
	url := backend.URL
	backend.Close()

	rec := &sleepRecorder{}
	f := newTestForwarder(url, 2, rec)

	res := f.Forward(context.Background(), testEvent(), http.Header{}, "req-7")

	assert.False(t, res.OK)
	assert.True(t, res.Retryable)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 0, res.StatusCode)
	assert.Len(t, rec.Delays(), 2)
}

func TestForward_CredentialFailureIsPermanent(t *testing.T) {
	backend := newFakeBackend(t, http.StatusOK)
	f := newTestForwarder(backend.URL, 3, &sleepRecorder{})
	f.creds = auth.StaticCredential("")

	res := f.Forward(context.Background(), testEvent(), http.Header{}, "req-8")

	assert.False(t, res.OK)
	assert.False(t, res.Retryable)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "credential", res.Reason)
	assert.Equal(t, 0, backend.Calls())
}

func TestForward_InterruptedWait(t *testing.T) {
	backend := newFakeBackend(t, http.StatusServiceUnavailable)
	f := newTestForwarder(backend.URL, 3, nil)
	f.baseDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for backend.Calls() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	res := f.Forward(ctx, testEvent(), http.Header{}, "req-9")

	assert.False(t, res.OK)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestForward_OutboundRequest(t *testing.T) {
	backend := newFakeBackend(t, http.StatusOK)
	f := newTestForwarder(backend.URL, 0, nil)

	orig := http.Header{}
	orig.Set("webhook-id", "msg_1")
	orig.Set("webhook-timestamp", "1700000000")
	orig.Set("webhook-signature", "v1,abc")
	orig.Set("User-Agent", "Svix-Webhooks/1.0")
	orig.Set("Authorization", "Bearer provider-secret")

	res := f.Forward(context.Background(), testEvent(), orig, "req-10")
	require.True(t, res.OK)

	req := backend.Request(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "Bearer internal-key", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "req-10", req.Header.Get("X-Request-ID"))
	assert.Equal(t, "0", req.Header.Get("X-Retry-Count"))
	assert.Equal(t, "harbor-relay/1.2.3", req.Header.Get("User-Agent"))

	env := backend.Envelope(t, 0)
	assert.Equal(t, "payment.succeeded", env.EventType)
	assert.Equal(t, "evt_1", env.EventID)
	assert.JSONEq(t, `{"amount":1000}`, string(env.Data))
	assert.Equal(t, "req-10", env.Metadata.RequestID)
	assert.Equal(t, delivery.ForwardedBy, env.Metadata.ForwardedBy)
	assert.Equal(t, "1.2.3", env.Metadata.ServiceVersion)
	assert.NotEmpty(t, env.ProcessedAt)

	assert.Equal(t, "msg_1", env.OriginalHeaders["webhook-id"])
	assert.Equal(t, "Svix-Webhooks/1.0", env.OriginalHeaders["user-agent"])
	assert.NotContains(t, env.OriginalHeaders, "authorization")
}

func TestForward_JWTCredential(t *testing.T) {
	backend := newFakeBackend(t, http.StatusOK)
	f := newTestForwarder(backend.URL, 0, nil)
	f.creds = auth.NewJWTIssuer("shared-secret", "harbor-relay", "internal-backend", time.Minute)

	res := f.Forward(context.Background(), testEvent(), http.Header{}, "req-11")
	require.True(t, res.OK)

	v := auth.NewValidator("shared-secret", "harbor-relay", "internal-backend", true)
	header := backend.Request(0).Header.Get("Authorization")
	require.Greater(t, len(header), len("Bearer "))
	sub, err := v.ValidateToken(header[len("Bearer "):])
	require.NoError(t, err)
	assert.Equal(t, "harbor-relay", sub)
}

func TestForward_AttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		slow.Close()
	})

	f := newTestForwarder(slow.URL, 0, nil)
	f.timeout = 50 * time.Millisecond

	res := f.Forward(context.Background(), testEvent(), http.Header{}, "req-12")

	assert.False(t, res.OK)
	assert.True(t, res.Retryable)
	assert.Equal(t, "timeout", res.Reason)
}

func TestForward_RecordsRetryWaitStates(t *testing.T) {
	backend := newFakeBackend(t, http.StatusServiceUnavailable, http.StatusOK)
	f := newTestForwarder(backend.URL, 3, &sleepRecorder{})

	lc := newLifecycle(context.Background())
	lc.to(StateVerifying)
	lc.to(StateVerified)
	lc.to(StateForwarding)
	ctx := withLifecycle(context.Background(), lc)

	res := f.Forward(ctx, testEvent(), http.Header{}, "req-13")
	require.True(t, res.OK)

	assert.Equal(t, []State{
		StateReceived, StateVerifying, StateVerified, StateForwarding,
		StateRetryWait, StateForwarding,
	}, lc.states())
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"deadline", context.DeadlineExceeded, 0, "timeout"},
		{"timeout text", errors.New("i/o timeout"), 0, "timeout"},
		{"refused", errors.New("dial tcp: connection refused"), 0, "connection_refused"},
		{"dns", errors.New("dial tcp: lookup backend: no such host"), 0, "dns_error"},
		{"credential", errors.New("backend credential: empty"), 0, "credential"},
		{"other network", errors.New("EOF"), 0, "network"},
		{"5xx", errors.New("backend returned 502"), 502, "http_5xx"},
		{"429", errors.New("backend returned 429"), 429, "http_429"},
		{"4xx", errors.New("backend returned 404"), 404, "http_4xx"},
		{"3xx", errors.New("backend returned 302"), 302, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyReason(tt.err, tt.status))
		})
	}
}

func TestForwardEnvelope_PreservesOriginal(t *testing.T) {
	backend := newFakeBackend(t, http.StatusServiceUnavailable, http.StatusOK)
	f := newTestForwarder(backend.URL, 1, &sleepRecorder{})

	env := delivery.NewEnvelope("payment.failed", "evt_dead", json.RawMessage(`{"x":1}`),
		map[string]string{"webhook-id": "msg_9"}, "req-original", "0.9.0")
	res := f.ForwardEnvelope(context.Background(), env)

	require.True(t, res.OK)
	assert.Equal(t, 2, res.Attempts)

	got := backend.Envelope(t, 1)
	assert.Equal(t, "evt_dead", got.EventID)
	assert.Equal(t, env.ProcessedAt, got.ProcessedAt)
	assert.Equal(t, "msg_9", got.OriginalHeaders["webhook-id"])
	assert.Equal(t, "req-original", got.Metadata.RequestID)
	assert.Equal(t, 1, got.Metadata.RetryCount)
	assert.Equal(t, "req-original", backend.Request(1).Header.Get("X-Request-ID"))
}
