// Package signature signs and verifies webhooks using the Standard Webhooks
// scheme: HMAC-SHA256 over "{webhook-id}.{webhook-timestamp}.{body}".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
	HeaderSignature = "webhook-signature"

	// SecretPrefix marks a base64 encoded Standard Webhooks secret
	SecretPrefix = "whsec_"

	// Version is the only signature scheme accepted
	Version = "v1"

	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingHeaders      = errors.New("webhook-id, webhook-timestamp and webhook-signature headers are required")
	ErrInvalidSignature    = errors.New("no matching signature found")
	ErrInvalidTimestamp    = errors.New("invalid webhook timestamp")
	ErrTimestampOutOfRange = errors.New("webhook timestamp outside allowed tolerance")
)

// Verifier validates the authenticity of an inbound webhook.
type Verifier interface {
	Verify(headers http.Header, body []byte) error
}

// DecodeKey turns a configured signing key into HMAC key bytes. The whsec_
// prefix is stripped and the rest base64 decoded; keys that are not valid
// base64 are used as raw bytes.
func DecodeKey(key string) []byte {
	trimmed := strings.TrimPrefix(key, SecretPrefix)
	if raw, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(raw) > 0 {
		return raw
	}
	return []byte(trimmed)
}

// Signer produces webhook signatures for a single key.
type Signer struct {
	key []byte
}

func NewSigner(key string) *Signer {
	return &Signer{key: DecodeKey(key)}
}

func (s *Signer) mac(id, ts string, body []byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(id))
	m.Write([]byte{'.'})
	m.Write([]byte(ts))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}

// Sign returns the header value "v1,<base64 hmac>" for the given message.
func (s *Signer) Sign(id string, ts time.Time, body []byte) string {
	sum := s.mac(id, strconv.FormatInt(ts.Unix(), 10), body)
	return Version + "," + base64.StdEncoding.EncodeToString(sum)
}

// Headers returns the three webhook headers for a signed delivery.
func (s *Signer) Headers(id string, ts time.Time, body []byte) http.Header {
	h := http.Header{}
	h.Set(HeaderID, id)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	h.Set(HeaderSignature, s.Sign(id, ts, body))
	return h
}

type Option func(*HMACVerifier)

// WithTolerance sets the allowed clock skew; zero disables the timestamp check.
func WithTolerance(d time.Duration) Option {
	return func(v *HMACVerifier) { v.tolerance = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *HMACVerifier) { v.now = now }
}

// HMACVerifier checks Standard Webhooks v1 signatures in constant time.
type HMACVerifier struct {
	signer    *Signer
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(key string, opts ...Option) *HMACVerifier {
	v := &HMACVerifier{
		signer:    NewSigner(key),
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *HMACVerifier) Verify(headers http.Header, body []byte) error {
	id := headers.Get(HeaderID)
	ts := headers.Get(HeaderTimestamp)
	sigs := headers.Get(HeaderSignature)
	if id == "" || ts == "" || sigs == "" {
		return ErrMissingHeaders
	}

	if err := v.checkTimestamp(ts); err != nil {
		return err
	}

	expected := v.signer.mac(id, ts, body)
	for _, candidate := range strings.Fields(sigs) {
		version, encoded, ok := strings.Cut(candidate, ",")
		if !ok || version != Version {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (v *HMACVerifier) checkTimestamp(raw string) error {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
	}
	if v.tolerance <= 0 {
		return nil
	}
	skew := v.now().Sub(time.Unix(secs, 0))
	if skew > v.tolerance || skew < -v.tolerance {
		return fmt.Errorf("%w: skew %s", ErrTimestampOutOfRange, skew.Round(time.Second))
	}
	return nil
}
