package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSecret   = "internal-key"
	testIssuer   = "harbor-relay"
	testAudience = "internal-backend"
)

func TestStaticCredential(t *testing.T) {
	tok, err := StaticCredential(testSecret).Token()
	if err != nil || tok != testSecret {
		t.Errorf("Token() = %q, %v, want %q, nil", tok, err, testSecret)
	}

	if _, err := StaticCredential("").Token(); err == nil {
		t.Error("Token() on empty credential should fail")
	}
}

func TestJWTIssuer_Token(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer := NewJWTIssuer(testSecret, testIssuer, testAudience, time.Minute)
	issuer.now = func() time.Time { return now }

	first, err := issuer.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(first, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if claims.Issuer != testIssuer {
		t.Errorf("iss = %q, want %q", claims.Issuer, testIssuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != testAudience {
		t.Errorf("aud = %v, want [%s]", claims.Audience, testAudience)
	}
	if got := claims.ExpiresAt.Sub(now); got != time.Minute {
		t.Errorf("exp - now = %v, want 1m", got)
	}

	now = now.Add(30 * time.Second)
	second, _ := issuer.Token()
	if second != first {
		t.Error("Token() should reuse a fresh token")
	}

	now = now.Add(20 * time.Second)
	third, _ := issuer.Token()
	if third == first {
		t.Error("Token() should refresh a token close to expiry")
	}
}

func TestValidator_ValidateToken(t *testing.T) {
	now := time.Now()
	issued, err := NewJWTIssuer(testSecret, testIssuer, testAudience, time.Minute).Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	sign := func(secret string, claims jwt.Claims, method jwt.SigningMethod) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("signing test token: %v", err)
		}
		return s
	}

	tests := []struct {
		name     string
		allowJWT bool
		token    string
		wantErr  bool
		subject  string
	}{
		{name: "static secret", token: testSecret, subject: "static"},
		{name: "wrong static secret", token: "nope", wantErr: true},
		{name: "jwt when disabled", token: issued, wantErr: true},
		{name: "valid jwt", allowJWT: true, token: issued, subject: testIssuer},
		{
			name:     "wrong audience",
			allowJWT: true,
			token: sign(testSecret, jwt.RegisteredClaims{
				Issuer: testIssuer, Audience: jwt.ClaimStrings{"other"}, ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			}, jwt.SigningMethodHS256),
			wantErr: true,
		},
		{
			name:     "expired",
			allowJWT: true,
			token: sign(testSecret, jwt.RegisteredClaims{
				Issuer: testIssuer, Audience: jwt.ClaimStrings{testAudience}, ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
			}, jwt.SigningMethodHS256),
			wantErr: true,
		},
		{
			name:     "missing expiry",
			allowJWT: true,
			token: sign(testSecret, jwt.RegisteredClaims{
				Issuer: testIssuer, Audience: jwt.ClaimStrings{testAudience},
			}, jwt.SigningMethodHS256),
			wantErr: true,
		},
		{
			name:     "wrong secret",
			allowJWT: true,
			token: sign("other-secret", jwt.RegisteredClaims{
				Issuer: testIssuer, Audience: jwt.ClaimStrings{testAudience}, ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			}, jwt.SigningMethodHS256),
			wantErr: true,
		},
		{
			name:     "unexpected algorithm",
			allowJWT: true,
			token: sign(testSecret, jwt.RegisteredClaims{
				Issuer: testIssuer, Audience: jwt.ClaimStrings{testAudience}, ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			}, jwt.SigningMethodHS512),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(testSecret, testIssuer, testAudience, tt.allowJWT)
			subject, err := v.ValidateToken(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && subject != tt.subject {
				t.Errorf("ValidateToken() subject = %q, want %q", subject, tt.subject)
			}
		})
	}
}

func TestValidator_HTTPMiddleware(t *testing.T) {
	validator := NewValidator(testSecret, testIssuer, testAudience, true, "/health")

	handler := validator.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject, ok := SubjectFromContext(r.Context()); ok {
			w.Header().Set("X-Subject", subject)
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		path           string
		authorization  string
		expectedStatus int
		expectedSubj   string
	}{
		{name: "health bypass", path: "/health", expectedStatus: http.StatusOK},
		{name: "missing authorization header", path: "/api/webhooks/dodo-processed", expectedStatus: http.StatusUnauthorized},
		{name: "invalid header format", path: "/api/webhooks/dodo-processed", authorization: "Basic abc", expectedStatus: http.StatusUnauthorized},
		{name: "wrong secret", path: "/api/webhooks/dodo-processed", authorization: "Bearer nope", expectedStatus: http.StatusUnauthorized},
		{name: "static secret", path: "/api/webhooks/dodo-processed", authorization: "Bearer " + testSecret, expectedStatus: http.StatusOK, expectedSubj: "static"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.path, nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("HTTPMiddleware() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if got := w.Header().Get("X-Subject"); got != tt.expectedSubj {
				t.Errorf("HTTPMiddleware() subject = %q, want %q", got, tt.expectedSubj)
			}
		})
	}
}

func TestSubjectFromContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if _, ok := SubjectFromContext(req.Context()); ok {
		t.Error("SubjectFromContext() on empty context should report false")
	}
}

func TestCredentialSourceImplementations(t *testing.T) {
	var _ CredentialSource = StaticCredential("x")
	var _ CredentialSource = NewJWTIssuer("x", "i", "a", time.Minute)
}
