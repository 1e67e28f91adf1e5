package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_webhooks_received_total",
			Help: "Total number of inbound webhook requests accepted for processing.",
		},
	)

	VerificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_verification_failures_total",
			Help: "Total number of webhooks rejected during verification by error code.",
		},
		[]string{"code"}, // INVALID_SIGNATURE, MISSING_HEADERS, MISSING_DATA
	)

	ForwardAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_forward_attempts_total",
			Help: "Total number of calls made to the internal backend by outcome.",
		},
		[]string{"outcome"}, // success, retryable, permanent
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_retries_total",
			Help: "Total number of forward retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_429, timeout, network
	)

	ForwardLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_forward_latency_seconds",
			Help:    "Time spent forwarding one event, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_webhooks_total",
			Help: "Total number of webhooks by final result.",
		},
		[]string{"result"}, // forwarded, forward_failed, verification_failed
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter.",
		},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dead_letters_total",
			Help: "Total number of dead-letter publishes by result.",
		},
		[]string{"result"}, // published, error
	)

	ReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dead_letter_replays_total",
			Help: "Total number of dead letters handled by the replay consumer by outcome.",
		},
		[]string{"outcome"}, // replayed, requeued, dropped, abandoned, malformed
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		WebhooksReceivedTotal,
		VerificationFailuresTotal,
		ForwardAttemptsTotal,
		RetriesTotal,
		ForwardLatency,
		WebhooksTotal,
		RateLimitedTotal,
		DeadLettersTotal,
		ReplaysTotal,
	)
}

func RecordWebhookReceived() {
	WebhooksReceivedTotal.Inc()
}

func RecordVerificationFailure(code string) {
	VerificationFailuresTotal.WithLabelValues(code).Inc()
	WebhooksTotal.WithLabelValues("verification_failed").Inc()
}

func RecordForwardAttempt(outcome string) {
	ForwardAttemptsTotal.WithLabelValues(outcome).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordForwardResult observes the total forwarding latency and the final result.
func RecordForwardResult(ok bool, latency time.Duration) {
	ForwardLatency.Observe(latency.Seconds())
	if ok {
		WebhooksTotal.WithLabelValues("forwarded").Inc()
		return
	}
	WebhooksTotal.WithLabelValues("forward_failed").Inc()
}

func RecordRateLimited() {
	RateLimitedTotal.Inc()
}

func RecordDeadLetter(err error) {
	if err != nil {
		DeadLettersTotal.WithLabelValues("error").Inc()
		return
	}
	DeadLettersTotal.WithLabelValues("published").Inc()
}

func RecordReplay(outcome string) {
	ReplaysTotal.WithLabelValues(outcome).Inc()
}
