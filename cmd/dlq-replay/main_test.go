package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/relay"
)

type fakeResponder struct {
	finished bool
	requeued bool
	delay    time.Duration
}

func (f *fakeResponder) Finish() { f.finished = true }

func (f *fakeResponder) Requeue(d time.Duration) {
	f.requeued = true
	f.delay = d
}

type fakeForwarder struct {
	result relay.ForwardResult
	got    []delivery.Envelope
}

func (f *fakeForwarder) ForwardEnvelope(_ context.Context, env delivery.Envelope) relay.ForwardResult {
	f.got = append(f.got, env)
	return f.result
}

func quietLogger() *logging.Logger {
	l := logging.New("dlq-replay-test")
	l.SetOutput(io.Discard)
	return l
}

func deadLetterBody(t *testing.T) []byte {
	t.Helper()
	env := delivery.NewEnvelope("payment.succeeded", "evt_1", json.RawMessage(`{"amount":100}`), map[string]string{"webhook-id": "msg_1"}, "req-1", "1.0.0")
	b, err := json.Marshal(delivery.NewDeadLetter(env, 4, http.StatusServiceUnavailable, "backend returned 503", "retries exhausted"))
	require.NoError(t, err)
	return b
}

func TestReplayer_Handle(t *testing.T) {
	tests := []struct {
		name         string
		result       relay.ForwardResult
		attempts     int
		wantFinished bool
		wantRequeue  time.Duration
	}{
		{
			name:         "replayed",
			result:       relay.ForwardResult{OK: true, StatusCode: http.StatusOK},
			attempts:     1,
			wantFinished: true,
		},
		{
			name:         "permanent rejection dropped",
			result:       relay.ForwardResult{StatusCode: http.StatusBadRequest, Err: errors.New("backend returned 400")},
			attempts:     1,
			wantFinished: true,
		},
		{
			name:        "transient failure requeued",
			result:      relay.ForwardResult{StatusCode: http.StatusServiceUnavailable, Err: errors.New("backend returned 503"), Retryable: true},
			attempts:    1,
			wantRequeue: 10 * time.Second,
		},
		{
			name:        "requeue delay grows with attempts",
			result:      relay.ForwardResult{Err: errors.New("connection refused"), Retryable: true},
			attempts:    3,
			wantRequeue: 30 * time.Second,
		},
		{
			name:         "attempts exhausted",
			result:       relay.ForwardResult{StatusCode: http.StatusBadGateway, Err: errors.New("backend returned 502"), Retryable: true},
			attempts:     5,
			wantFinished: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := &fakeForwarder{result: tt.result}
			r := &replayer{forwarder: fwd, maxAttempts: 5, requeueDelay: 10 * time.Second, logger: quietLogger()}
			m := &fakeResponder{}

			r.handle(context.Background(), deadLetterBody(t), tt.attempts, m)

			require.Len(t, fwd.got, 1)
			assert.Equal(t, "evt_1", fwd.got[0].EventID)
			assert.Equal(t, "req-1", fwd.got[0].Metadata.RequestID)
			assert.Equal(t, tt.wantFinished, m.finished)
			assert.Equal(t, tt.wantRequeue != 0, m.requeued)
			assert.Equal(t, tt.wantRequeue, m.delay)
		})
	}
}

func TestReplayer_MalformedPayload(t *testing.T) {
	tests := map[string]string{
		"not json":       `not-json`,
		"wrong type":     `{"type":"something.else","envelope":{"event_id":"evt_1"}}`,
		"missing event":  `{"type":"relay.dead_letter","envelope":{}}`,
		"empty document": `{}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			fwd := &fakeForwarder{}
			r := &replayer{forwarder: fwd, maxAttempts: 5, requeueDelay: time.Second, logger: quietLogger()}
			m := &fakeResponder{}

			r.handle(context.Background(), []byte(body), 1, m)

			assert.True(t, m.finished)
			assert.False(t, m.requeued)
			assert.Empty(t, fwd.got)
		})
	}
}

func TestReplayer_EndToEnd(t *testing.T) {
	var calls atomic.Int32
	var gotPath, gotAuth atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotPath.Store(r.URL.Path)
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := config.Config{
		ServiceVersion: "test",
		Webhook:        config.Webhook{Provider: "dodo"},
		Backend: config.Backend{
			URL:      backend.URL,
			APIKey:   "internal-key",
			Timeout:  5 * time.Second,
			AuthMode: config.AuthModeStatic,
		},
		DeadLetter: config.DeadLetter{ReplayMaxAttempts: 3, ReplayRequeueDelay: time.Second},
	}
	r := newReplayer(cfg, quietLogger())
	m := &fakeResponder{}

	r.handle(context.Background(), deadLetterBody(t), 1, m)

	assert.True(t, m.finished)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "/api/webhooks/dodo-processed", gotPath.Load())
	assert.Equal(t, "Bearer internal-key", gotAuth.Load())
}

func TestReplayer_EndToEndSingleCallPerDelivery(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	cfg := config.Config{
		Webhook: config.Webhook{Provider: "dodo"},
		Backend: config.Backend{
			URL:        backend.URL,
			APIKey:     "internal-key",
			Timeout:    5 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Hour,
			AuthMode:   config.AuthModeStatic,
		},
		DeadLetter: config.DeadLetter{ReplayMaxAttempts: 3, ReplayRequeueDelay: time.Second},
	}
	r := newReplayer(cfg, quietLogger())
	m := &fakeResponder{}

	r.handle(context.Background(), deadLetterBody(t), 1, m)

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, m.requeued)
	assert.Equal(t, time.Second, m.delay)
}
