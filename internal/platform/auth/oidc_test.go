package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const pushAudience = "https://settlement.karigai.in/internal/events/push"

type recordedVerification struct {
	success bool
	reason  string
}

type verificationLog struct {
	mu      sync.Mutex
	records []recordedVerification
}

func (l *verificationLog) recorder() VerificationRecorder {
	return func(_ context.Context, success bool, reason string, _ time.Duration) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.records = append(l.records, recordedVerification{success: success, reason: reason})
	}
}

func (l *verificationLog) last() recordedVerification {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return recordedVerification{}
	}
	return l.records[len(l.records)-1]
}

func TestJWKSCacheFetchesOncePerValidity(t *testing.T) {
	key := mustRSAKey(t)
	var requests atomic.Int32
	server := jwksServer(t, key, "key1", &requests)

	now := time.Unix(1_000_000, 0)
	cache := NewJWKSCache(server.URL, WithJWKSClock(func() time.Time { return now }))

	ctx := context.Background()
	got, err := cache.Key(ctx, "key1")
	if err != nil {
		t.Fatalf("cache.Key: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected *rsa.PublicKey, got %T", got)
	}
	if _, err := cache.Key(ctx, "key1"); err != nil {
		t.Fatalf("cache.Key second call: %v", err)
	}
	if n := requests.Load(); n != 1 {
		t.Fatalf("expected single JWKS fetch, got %d", n)
	}

	now = now.Add(2 * time.Hour)
	if _, err := cache.Key(ctx, "key1"); err != nil {
		t.Fatalf("cache.Key after expiry: %v", err)
	}
	if n := requests.Load(); n != 2 {
		t.Fatalf("expected refetch after max-age, got %d", n)
	}
}

func TestJWKSCacheUnknownKid(t *testing.T) {
	key := mustRSAKey(t)
	server := jwksServer(t, key, "key1", nil)
	cache := NewJWKSCache(server.URL)

	if _, err := cache.Key(context.Background(), "other"); err == nil {
		t.Fatalf("expected error for unknown kid")
	}
}

func TestParseMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"public, max-age=3600, must-revalidate": time.Hour,
		"max-age=0":                             0,
		"no-cache":                              0,
		"":                                      0,
	}
	for header, want := range cases {
		if got := parseMaxAge(header); got != want {
			t.Fatalf("parseMaxAge(%q) = %s, want %s", header, got, want)
		}
	}
}

func TestRequireOIDCAcceptsPushToken(t *testing.T) {
	validator, log, token := setupOIDCTest(t, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/events/push", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	validator.RequireOIDC(pushAudience, []string{"https://accounts.google.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := PushIdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected push identity in context")
		}
		if identity.Email != "pubsub-push@karigai.iam.gserviceaccount.com" {
			t.Fatalf("unexpected push identity %+v", identity)
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if rec := log.last(); !rec.success || rec.reason != "ok" {
		t.Fatalf("unexpected verification record %+v", rec)
	}
}

func TestRequireOIDCRejections(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(jwt.MapClaims)
		audience string
		header   string
		status   int
		reason   string
	}{
		{name: "audience mismatch", audience: "https://elsewhere.example", status: http.StatusUnauthorized, reason: "audience_mismatch"},
		{name: "issuer mismatch", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }, audience: pushAudience, status: http.StatusUnauthorized, reason: "issuer_mismatch"},
		{name: "missing token", audience: pushAudience, header: "-", status: http.StatusUnauthorized, reason: "token_missing"},
		{name: "no audience configured", audience: "", status: http.StatusServiceUnavailable, reason: "audience_not_configured"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			validator, log, token := setupOIDCTest(t, tc.mutate)

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/internal/events/push", nil)
			if tc.header != "-" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			validator.RequireOIDC(tc.audience, []string{"https://accounts.google.com"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler should not be called")
			})).ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			if rec := log.last(); rec.success || rec.reason != tc.reason {
				t.Fatalf("expected reason %s, got %+v", tc.reason, rec)
			}
		})
	}
}

func TestRequireOIDCJWKSUnavailable(t *testing.T) {
	validator, log, token := setupOIDCTest(t, nil)
	validator.cache.url = "http://127.0.0.1:65535/invalid"

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/events/push", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	validator.RequireOIDC(pushAudience, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if rec := log.last(); rec.reason != "jwks_unavailable" {
		t.Fatalf("expected jwks_unavailable, got %+v", rec)
	}
}

func setupOIDCTest(t *testing.T, mutate func(jwt.MapClaims)) (*OIDCValidator, *verificationLog, string) {
	t.Helper()

	key := mustRSAKey(t)
	server := jwksServer(t, key, "svc-key", nil)

	now := time.Unix(1_700_000_000, 0)
	originalTimeFunc := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = originalTimeFunc })

	log := &verificationLog{}
	validator := NewOIDCValidator(
		NewJWKSCache(server.URL, WithJWKSClock(func() time.Time { return now })),
		WithOIDCRecorder(log.recorder()),
		WithOIDCClock(func() time.Time { return now }),
	)

	claims := jwt.MapClaims{
		"aud":   pushAudience,
		"iss":   "https://accounts.google.com",
		"sub":   "1234567890",
		"email": "pubsub-push@karigai.iam.gserviceaccount.com",
		"exp":   float64(now.Add(time.Hour).Unix()),
		"iat":   float64(now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return validator, log, signed
}

func mustRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func jwksServer(t *testing.T, key *rsa.PrivateKey, kid string, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	jwk := jose.JSONWebKey{
		Key:       &key.PublicKey,
		KeyID:     kid,
		Algorithm: jwt.SigningMethodRS256.Alg(),
		Use:       "sig",
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)
	return server
}
