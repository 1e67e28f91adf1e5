package delivery

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// ForwardedBy identifies the relay in outbound metadata
const ForwardedBy = "webhook-relay"

type Metadata struct {
	RequestID      string `json:"request_id"`
	RetryCount     int    `json:"retry_count"`
	ForwardedBy    string `json:"forwarded_by"`
	ServiceVersion string `json:"service_version"`
}

// Envelope is the body posted to the internal backend for one verified event.
type Envelope struct {
	EventType       string            `json:"event_type"`
	EventID         string            `json:"event_id"`
	Data            json.RawMessage   `json:"data"`
	ProcessedAt     string            `json:"processed_at"` // RFC3339
	OriginalHeaders map[string]string `json:"original_headers"`
	Metadata        Metadata          `json:"metadata"`
}

func NewEnvelope(eventType, eventID string, data json.RawMessage, headers map[string]string, requestID, version string) Envelope {
	return Envelope{
		EventType:       eventType,
		EventID:         eventID,
		Data:            data,
		ProcessedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		OriginalHeaders: headers,
		Metadata: Metadata{
			RequestID:      requestID,
			ForwardedBy:    ForwardedBy,
			ServiceVersion: version,
		},
	}
}

// WithRetry returns a copy stamped with the attempt number being sent.
func (e Envelope) WithRetry(attempt int) Envelope {
	e.Metadata.RetryCount = attempt
	return e
}

// OriginalHeaders keeps the provider's webhook-* headers and user agent.
func OriginalHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for k, v := range h {
		key := strings.ToLower(k)
		if strings.HasPrefix(key, "webhook-") || key == "user-agent" {
			out[key] = strings.Join(v, ", ")
		}
	}
	return out
}
