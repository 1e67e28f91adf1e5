package relay

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// State is the position of one inbound webhook in its lifecycle.
type State int

const (
	StateReceived State = iota
	StateVerifying
	StateVerificationFailed
	StateVerified
	StateForwarding
	StateRetryWait
	StateForwarded
	StateForwardFailed
)

var stateNames = map[State]string{
	StateReceived:           "received",
	StateVerifying:          "verifying",
	StateVerificationFailed: "verification_failed",
	StateVerified:           "verified",
	StateForwarding:         "forwarding",
	StateRetryWait:          "retry_wait",
	StateForwarded:          "forwarded",
	StateForwardFailed:      "forward_failed",
}

var transitions = map[State][]State{
	StateReceived:   {StateVerifying},
	StateVerifying:  {StateVerificationFailed, StateVerified},
	StateVerified:   {StateForwarding},
	StateForwarding: {StateForwarded, StateRetryWait, StateForwardFailed},
	StateRetryWait:  {StateForwarding, StateForwardFailed},
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) IsTerminal() bool {
	return s == StateVerificationFailed || s == StateForwarded || s == StateForwardFailed
}

// CanTransition reports whether next may follow s.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// lifecycle records the states one request passes through.
type lifecycle struct {
	mu      sync.Mutex
	ctx     context.Context
	history []State
}

func newLifecycle(ctx context.Context) *lifecycle {
	return &lifecycle{ctx: ctx, history: []State{StateReceived}}
}

func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.history[len(l.history)-1]
}

// to moves to next. Illegal moves are kept but flagged on the span.
func (l *lifecycle) to(next State) {
	if l == nil {
		return
	}
	l.mu.Lock()
	prev := l.history[len(l.history)-1]
	l.history = append(l.history, next)
	l.mu.Unlock()

	tracing.AddSpanEvent(l.ctx, "state."+next.String(),
		attribute.String("from", prev.String()),
		attribute.Bool("legal", prev.CanTransition(next)),
	)
}

func (l *lifecycle) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.history...)
}

type lifecycleKey struct{}

func withLifecycle(ctx context.Context, l *lifecycle) context.Context {
	return context.WithValue(ctx, lifecycleKey{}, l)
}

func lifecycleFrom(ctx context.Context) *lifecycle {
	l, _ := ctx.Value(lifecycleKey{}).(*lifecycle)
	return l
}
