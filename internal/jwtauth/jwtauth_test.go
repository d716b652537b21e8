package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv       *httptest.Server
	issuer    string
	jwksPath  string
	metaExtra map[string]any
}

func newMockOIDC(t *testing.T, keysJSON []byte, metaExtra map[string]any) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys", metaExtra: metaExtra}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                 m.issuer,
			"jwks_uri":               m.issuer + m.jwksPath,
			"authorization_endpoint": m.issuer + "/oauth2/auth",
			"token_endpoint":         m.issuer + "/oauth2/token",
		}
		for k, v := range m.metaExtra {
			meta[k] = v
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	return cfg
}

const testAudience = "https://gateway.example.com"

func newDiscovered(t *testing.T, jwks []byte, mutate func(*Config)) (*mockOIDC, *Verifier) {
	t.Helper()
	oidc := newMockOIDC(t, jwks, nil)
	cfg := baseConfig(oidc.issuer, testAudience)
	if mutate != nil {
		mutate(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return oidc, v
}

func validClaims(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "operator-1",
		"aud":   testAudience,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "sessions:read sessions:send",
	}
}

func TestVerifier_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc, v := newDiscovered(t, jwks, nil)

	tok := signToken(t, pk, kid, "at+jwt", validClaims(oidc.issuer))
	ui, err := v.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "operator-1" {
		t.Fatalf("want sub operator-1, got %s", ui.UserID())
	}

	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Scope != "sessions:read sessions:send" {
		t.Fatalf("scope roundtrip mismatch: %q", out.Scope)
	}
}

func TestVerifier_DiscoveryMissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, map[string]any{"jwks_uri": ""})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, testAudience)); err == nil {
		t.Fatalf("expected error due to missing jwks_uri")
	}
}

func TestVerifier_AudienceArray(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc, v := newDiscovered(t, jwks, nil)

	claims := validClaims(oidc.issuer)
	claims["aud"] = []string{"https://other", testAudience}
	if _, err := v.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims)); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestVerifier_AdditionalAudiences(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	extra := "http://localhost:3000"
	oidc, v := newDiscovered(t, jwks, func(c *Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, extra)
	})

	claims := validClaims(oidc.issuer)
	claims["aud"] = extra
	if _, err := v.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims)); err != nil {
		t.Fatalf("check (extra audience) failed: %v", err)
	}

	claims["aud"] = "https://unknown"
	if _, err := v.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown audience, got %v", err)
	}
}

func TestVerifier_Scopes(t *testing.T) {
	pk, kid, jwks := genRSA(t)

	oidc, all := newDiscovered(t, jwks, func(c *Config) {
		c.RequiredScopes = []string{"sessions:send", "sessions:admin"}
	})
	tok := signToken(t, pk, kid, "at+jwt", validClaims(oidc.issuer))
	if _, err := all.CheckAuthentication(context.Background(), tok); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}

	oidc2, anyOf := newDiscovered(t, jwks, func(c *Config) {
		c.RequiredScopes = []string{"sessions:send", "sessions:admin"}
		c.ScopeModeAny = true
	})
	tok2 := signToken(t, pk, kid, "at+jwt", validClaims(oidc2.issuer))
	if _, err := anyOf.CheckAuthentication(context.Background(), tok2); err != nil {
		t.Fatalf("any-of scope mode should accept, got %v", err)
	}
}

func TestVerifier_InvalidTyp(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc, v := newDiscovered(t, jwks, nil)

	tok := signToken(t, pk, kid, "JWT", validClaims(oidc.issuer))
	if _, err := v.CheckAuthentication(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}

	oidc2, relaxed := newDiscovered(t, jwks, func(c *Config) { c.AllowAnyType = true })
	tok2 := signToken(t, pk, kid, "JWT", validClaims(oidc2.issuer))
	if _, err := relaxed.CheckAuthentication(context.Background(), tok2); err != nil {
		t.Fatalf("AllowAnyType should accept plain JWTs, got %v", err)
	}
}

func TestVerifier_IssuerMismatch(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	_, v := newDiscovered(t, jwks, nil)

	tok := signToken(t, pk, kid, "at+jwt", validClaims("https://evil.example.com"))
	if _, err := v.CheckAuthentication(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestVerifier_Expired(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc, v := newDiscovered(t, jwks, nil)

	claims := validClaims(oidc.issuer)
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	if _, err := v.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for expired token, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewStatic(ctx, baseConfig(oidc.issuer, testAudience), ""); err == nil {
		t.Fatalf("expected error without jwks uri")
	}
	v, err := NewStatic(ctx, baseConfig(oidc.issuer, testAudience), oidc.issuer+oidc.jwksPath)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	tok := signToken(t, pk, kid, "at+jwt", validClaims(oidc.issuer))
	if _, err := v.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := v.CheckAuthentication(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token must be unauthorized, got %v", err)
	}
}

func TestNewWithKeyfuncRejectsDisallowedAlg(t *testing.T) {
	secret := []byte("not-rsa")
	v, err := NewWithKeyfunc(baseConfig("https://issuer", testAudience), func(*jwt.Token) (any, error) { return secret, nil })
	if err != nil {
		t.Fatalf("NewWithKeyfunc: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("https://issuer"))
	tok.Header["typ"] = "at+jwt"
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.CheckAuthentication(context.Background(), s); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("HS256 must be rejected when only RS256 is allowed, got %v", err)
	}
}
