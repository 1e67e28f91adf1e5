package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/austindbirch/harbor_relay/internal/signature"
)

type ErrorCode string

const (
	CodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"
	CodeMissingHeaders   ErrorCode = "MISSING_HEADERS"
	CodeMissingData      ErrorCode = "MISSING_DATA"
)

// VerificationError is a client-caused rejection. It always maps to 400.
type VerificationError struct {
	Code ErrorCode
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Message is the generic text returned to callers.
func (e *VerificationError) Message() string {
	switch e.Code {
	case CodeMissingHeaders:
		return "Missing required webhook headers"
	case CodeMissingData:
		return "Missing or malformed webhook payload"
	default:
		return "Invalid webhook signature"
	}
}

var (
	errEmptyBody   = errors.New("empty request body")
	errNotObject   = errors.New("payload is not a JSON object")
	errMissingType = errors.New("payload has no event type")
)

// Event is a webhook that passed verification. It is never mutated after
// construction.
type Event struct {
	ID         string
	Type       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Verifier turns a raw delivery into an Event or a *VerificationError.
type Verifier interface {
	Verify(headers http.Header, body []byte) (Event, error)
}

// EventVerifier authenticates with a signature.Verifier and then parses the body.
type EventVerifier struct {
	sig signature.Verifier
	now func() time.Time
}

func NewEventVerifier(sig signature.Verifier) *EventVerifier {
	return &EventVerifier{sig: sig, now: time.Now}
}

func (v *EventVerifier) Verify(headers http.Header, body []byte) (Event, error) {
	for _, h := range []string{signature.HeaderID, signature.HeaderTimestamp, signature.HeaderSignature} {
		if headers.Get(h) == "" {
			return Event{}, &VerificationError{Code: CodeMissingHeaders, Err: signature.ErrMissingHeaders}
		}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return Event{}, &VerificationError{Code: CodeMissingData, Err: errEmptyBody}
	}

	if err := v.sig.Verify(headers, body); err != nil {
		if errors.Is(err, signature.ErrMissingHeaders) {
			return Event{}, &VerificationError{Code: CodeMissingHeaders, Err: err}
		}
		return Event{}, &VerificationError{Code: CodeInvalidSignature, Err: err}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return Event{}, &VerificationError{Code: CodeMissingData, Err: errNotObject}
	}

	ev := Event{
		Type:       stringField(fields, "type"),
		ReceivedAt: v.now().UTC(),
	}
	if ev.Type == "" {
		return Event{}, &VerificationError{Code: CodeMissingData, Err: errMissingType}
	}

	ev.ID = stringField(fields, "id")
	if ev.ID == "" {
		ev.ID = stringField(fields, "event_id")
	}
	if ev.ID == "" {
		ev.ID = headers.Get(signature.HeaderID)
	}

	if data, ok := fields["data"]; ok && !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		ev.Data = append(json.RawMessage(nil), data...)
	} else {
		ev.Data = append(json.RawMessage(nil), body...)
	}
	return ev, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
