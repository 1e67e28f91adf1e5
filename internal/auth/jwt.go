package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// SubjectKey holds the authenticated caller in the request context
const SubjectKey contextKey = "auth_subject"

// CredentialSource supplies the bearer credential for backend calls
type CredentialSource interface {
	Token() (string, error)
}

// StaticCredential sends the shared internal API key as-is
type StaticCredential string

func (c StaticCredential) Token() (string, error) {
	if c == "" {
		return "", errors.New("empty static credential")
	}
	return string(c), nil
}

// JWTIssuer mints short-lived HS256 tokens signed with the shared secret.
// A token is reused until it is within a quarter of its TTL from expiry.
type JWTIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	cached  string
	expires time.Time
}

func NewJWTIssuer(secret, issuer, audience string, ttl time.Duration) *JWTIssuer {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &JWTIssuer{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (i *JWTIssuer) Token() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	if i.cached != "" && now.Before(i.expires.Add(-i.ttl/4)) {
		return i.cached, nil
	}

	exp := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing backend token: %w", err)
	}
	i.cached, i.expires = signed, exp
	return signed, nil
}

// Validator authenticates backend-bound requests: either the static shared
// secret or an HS256 token signed with it.
type Validator struct {
	secret    []byte
	issuer    string
	audience  string
	allowJWT  bool
	skipPaths map[string]bool
}

func NewValidator(secret, issuer, audience string, allowJWT bool, skipPaths ...string) *Validator {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &Validator{
		secret:    []byte(secret),
		issuer:    issuer,
		audience:  audience,
		allowJWT:  allowJWT,
		skipPaths: skip,
	}
}

// ValidateToken returns the caller subject for a bearer token
func (v *Validator) ValidateToken(tokenString string) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("validator has no secret")
	}
	if subtle.ConstantTimeCompare([]byte(tokenString), v.secret) == 1 {
		return "static", nil
	}
	if !v.allowJWT {
		return "", errors.New("invalid credential")
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// HTTPMiddleware rejects requests without a valid bearer credential
func (v *Validator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		subject, err := v.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid credential", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext returns the caller authenticated by HTTPMiddleware
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(SubjectKey).(string)
	return subject, ok
}
