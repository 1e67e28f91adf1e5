package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	AuthModeStatic = "static"
	AuthModeJWT    = "jwt"
)

type Webhook struct {
	SigningKey         string        // Provider signing key (whsec_ prefixed or raw)
	Provider           string        // Provider path segment, e.g. "dodo"
	MaxPayloadBytes    int64         // Inbound body limit
	SignatureTolerance time.Duration // Allowed webhook-timestamp skew, 0 disables the check
}

type Backend struct {
	URL           string        // Internal backend base URL
	APIKey        string        // Shared bearer secret
	Timeout       time.Duration // Per-attempt timeout
	MaxRetries    int           // Retries after the first attempt
	RetryDelay    time.Duration // Base delay for linear backoff
	AuthMode      string        // static | jwt
	JWTIssuer     string
	JWTAudience   string
	JWTTTL        time.Duration
	HealthPath    string        // Probed by GET /health
	HealthTimeout time.Duration // Probe timeout
}

type RateLimit struct {
	Window         time.Duration // Fixed window length
	Max            int           // Requests allowed per IP per window
	RedisAddr      string        // Empty keeps the limiter in-process; needs Redis 2.6.12+
	RedisPass      string
	RedisDB        int
	TrustedProxies []string // CIDRs or addresses whose X-Forwarded-For is believed
}

type DeadLetter struct {
	NsqdTCPAddr  string // Empty disables dead-letter publishing
	NsqdHTTPAddr string // nsqd stats endpoint polled by the monitor
	Topic        string
	MonitorPort  string
	PollInterval time.Duration

	ReplayChannel      string
	ReplayMaxAttempts  int
	ReplayRequeueDelay time.Duration
}

type FakeBackend struct {
	Port            string        // Server listen address
	FailFirstN      int           // Number of requests to fail initially
	FailStatus      int           // Status returned while failing
	ResponseDelayMS int           // Simulated response delay in milliseconds
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName        string
	Env            string
	Port           string // :3001
	ServiceVersion string
	AllowedOrigins []string
	Webhook        Webhook
	Backend        Backend
	RateLimit      RateLimit
	DeadLetter     DeadLetter
	FakeBackend    FakeBackend
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvMillis reads an integer millisecond value, falling back to a Go duration string.
func getenvMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseSize parses sizes like "10mb", "512kb", "1048576".
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty size")
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "gb"):
		mult, s = 1<<30, strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "mb"):
		mult, s = 1<<20, strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "kb"):
		mult, s = 1<<10, strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got %d", n)
	}
	return n * mult, nil
}

func getenvSize(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := ParseSize(v); err == nil {
			return n
		}
	}
	return def
}

func normalizePort(p string) string {
	if strings.HasPrefix(p, ":") {
		return p
	}
	return ":" + p
}

func FromEnv() Config {
	return Config{
		AppName:        getenv("APP_NAME", "harbor-relay"),
		Env:            strings.ToLower(getenv("APP_ENV", EnvProduction)),
		Port:           normalizePort(getenv("PORT", "3001")),
		ServiceVersion: getenv("SERVICE_VERSION", "dev"),
		AllowedOrigins: getenvList("ALLOWED_ORIGINS"),
		Webhook: Webhook{
			SigningKey:         os.Getenv("WEBHOOK_SIGNING_KEY"),
			Provider:           getenv("WEBHOOK_PROVIDER", "dodo"),
			MaxPayloadBytes:    getenvSize("MAX_PAYLOAD_SIZE", 10<<20),
			SignatureTolerance: getenvDuration("SIGNATURE_TOLERANCE", 5*time.Minute),
		},
		Backend: Backend{
			URL:           strings.TrimRight(getenv("BACKEND_URL", "http://localhost:8000"), "/"),
			APIKey:        os.Getenv("INTERNAL_API_KEY"),
			Timeout:       getenvMillis("REQUEST_TIMEOUT_MS", 30*time.Second),
			MaxRetries:    getenvInt("MAX_RETRIES", 3),
			RetryDelay:    getenvMillis("RETRY_DELAY_MS", time.Second),
			AuthMode:      strings.ToLower(getenv("BACKEND_AUTH_MODE", AuthModeStatic)),
			JWTIssuer:     getenv("BACKEND_JWT_ISSUER", "harbor-relay"),
			JWTAudience:   getenv("BACKEND_JWT_AUDIENCE", "internal-backend"),
			JWTTTL:        getenvDuration("BACKEND_JWT_TTL", time.Minute),
			HealthPath:    getenv("BACKEND_HEALTH_PATH", "/health"),
			HealthTimeout: getenvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		RateLimit: RateLimit{
			Window:         getenvDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
			Max:            getenvInt("RATE_LIMIT_MAX", 100),
			RedisAddr:      os.Getenv("RATE_LIMIT_REDIS_ADDR"),
			RedisPass:      os.Getenv("RATE_LIMIT_REDIS_PASSWORD"),
			RedisDB:        getenvInt("RATE_LIMIT_REDIS_DB", 0),
			TrustedProxies: getenvList("TRUSTED_PROXIES"),
		},
		DeadLetter: DeadLetter{
			NsqdTCPAddr:  os.Getenv("DLQ_NSQD_ADDR"),
			NsqdHTTPAddr: getenv("DLQ_NSQD_HTTP_ADDR", "nsqd:4151"),
			Topic:        getenv("DLQ_TOPIC", "relay_dead_letters"),
			MonitorPort:  normalizePort(getenv("DLQ_MONITOR_PORT", "8084")),
			PollInterval: getenvDuration("DLQ_POLL_INTERVAL", 15*time.Second),

			ReplayChannel:      getenv("DLQ_REPLAY_CHANNEL", "replay"),
			ReplayMaxAttempts:  getenvInt("DLQ_REPLAY_MAX_ATTEMPTS", 5),
			ReplayRequeueDelay: getenvDuration("DLQ_REPLAY_REQUEUE_DELAY", 30*time.Second),
		},
		FakeBackend: FakeBackend{
			Port:            normalizePort(getenv("FAKE_BACKEND_PORT", "8000")),
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			FailStatus:      getenvInt("FAIL_STATUS", 503),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			ReadTimeout:     getenvDuration("FAKE_BACKEND_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_BACKEND_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_BACKEND_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// Validate reports configuration that must stop the relay from serving traffic.
func (c Config) Validate() error {
	var errs []error
	if c.Webhook.SigningKey == "" {
		errs = append(errs, errors.New("WEBHOOK_SIGNING_KEY is required"))
	}
	if c.Backend.APIKey == "" {
		errs = append(errs, errors.New("INTERNAL_API_KEY is required"))
	}
	if u, err := url.Parse(c.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BACKEND_URL must be an absolute URL, got %q", c.Backend.URL))
	}
	if c.Backend.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES cannot be negative, got %d", c.Backend.MaxRetries))
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT_MS must be positive"))
	}
	if c.Backend.AuthMode != AuthModeStatic && c.Backend.AuthMode != AuthModeJWT {
		errs = append(errs, fmt.Errorf("BACKEND_AUTH_MODE must be %q or %q, got %q", AuthModeStatic, AuthModeJWT, c.Backend.AuthMode))
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive"))
	}
	for _, p := range c.RateLimit.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES entry %q is not an address or CIDR", p))
		}
	}
	return errors.Join(errs...)
}

// RetryBudget is the longest one forward can take: every attempt timing out
// plus the linear backoff between them.
func (b Backend) RetryBudget() time.Duration {
	n := time.Duration(b.MaxRetries)
	if n < 0 {
		n = 0
	}
	return (n+1)*b.Timeout + b.RetryDelay*n*(n+1)/2
}

// IsDevelopment reports whether detailed error messages may be returned to callers.
func (c Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// ForwardURL is the backend endpoint verified events are posted to.
func (c Config) ForwardURL() string {
	return fmt.Sprintf("%s/api/webhooks/%s-processed", c.Backend.URL, c.Webhook.Provider)
}

// BackendHealthURL is probed by the relay's own health endpoint.
func (c Config) BackendHealthURL() string {
	return c.Backend.URL + c.Backend.HealthPath
}
