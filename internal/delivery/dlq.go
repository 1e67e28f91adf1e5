package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
)

const DLQType = "relay.dead_letter"

type DeadLetter struct {
	Type       string   `json:"type"`    // "relay.dead_letter"
	Version    string   `json:"version"` // schema version
	At         string   `json:"at"`      // RFC3339 time the record was emitted
	Reason     string   `json:"reason"`  // human/debug text
	Attempts   int      `json:"attempts"`
	HTTPStatus int      `json:"http_status,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	Envelope   Envelope `json:"envelope"` // what the backend never accepted
}

func NewDeadLetter(env Envelope, attempts, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempts:   attempts,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Envelope:   env,
	}
}

// Publisher records events the backend never accepted.
type Publisher interface {
	Publish(ctx context.Context, dl DeadLetter) error
}

type producer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQPublisher writes dead letters to an nsqd topic.
type NSQPublisher struct {
	producer producer
	topic    string
}

func NewNSQPublisher(nsqdAddr, topic string) (*NSQPublisher, error) {
	p, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &NSQPublisher{producer: p, topic: topic}, nil
}

// Ping checks nsqd is reachable.
func (p *NSQPublisher) Ping() error {
	if np, ok := p.producer.(*nsq.Producer); ok {
		return np.Ping()
	}
	return nil
}

func (p *NSQPublisher) Publish(_ context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *NSQPublisher) Topic() string {
	return p.topic
}

func (p *NSQPublisher) Stop() {
	p.producer.Stop()
}
