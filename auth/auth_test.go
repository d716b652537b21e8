package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/ggoodman/pairgate/internal/jwtauth"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		tok    string
		ok     bool
	}{
		{"", "", true},
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer a b", "", false},
	}
	for _, tc := range cases {
		tok, ok := BearerToken(tc.header)
		if tok != tc.tok || ok != tc.ok {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tc.header, tok, ok, tc.tok, tc.ok)
		}
	}
}

func TestChallenges(t *testing.T) {
	c := NewAuthenticationRequired("pairgate")
	if c.Status != http.StatusUnauthorized || c.WWWAuthenticate != `Bearer realm="pairgate"` {
		t.Fatalf("unexpected challenge: %+v", c)
	}

	c = NewInvalidAuthorizationHeader("pairgate")
	if c.Status != http.StatusBadRequest || !strings.Contains(c.WWWAuthenticate, `error="invalid_request"`) {
		t.Fatalf("unexpected challenge: %+v", c)
	}

	c = ChallengeFor(ErrUnauthorized, "pairgate", nil)
	if c.Status != http.StatusUnauthorized || !strings.Contains(c.WWWAuthenticate, `error="invalid_token"`) {
		t.Fatalf("unexpected challenge: %+v", c)
	}

	c = ChallengeFor(errors.Join(ErrInsufficientScope, errors.New("x")), "pairgate", []string{"sessions:send", "sessions:read"})
	if c.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", c.Status)
	}
	if !strings.Contains(c.WWWAuthenticate, `scope="sessions:send sessions:read"`) {
		t.Fatalf("expected scope hint, got %q", c.WWWAuthenticate)
	}

	c = NewInvalidToken(`we"ird`, "bad")
	if !strings.Contains(c.WWWAuthenticate, `realm="we\"ird"`) {
		t.Fatalf("realm not escaped: %q", c.WWWAuthenticate)
	}
}

type fakeInternal struct{ err error }

func (f fakeInternal) CheckAuthentication(ctx context.Context, tok string) (jwtauth.UserInfo, error) {
	return nil, f.err
}

func TestAdapterMapsErrors(t *testing.T) {
	ad := &adapter{a: fakeInternal{err: jwtauth.ErrInsufficientScope}}
	if _, err := ad.CheckAuthentication(context.Background(), "t"); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("expected ErrInsufficientScope, got %v", err)
	}
	ad = &adapter{a: fakeInternal{err: jwtauth.ErrUnauthorized}}
	if _, err := ad.CheckAuthentication(context.Background(), "t"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestConstructorsValidate(t *testing.T) {
	ctx := context.Background()
	if _, err := NewFromDiscovery(ctx, "", "aud"); err == nil {
		t.Fatalf("expected error without issuer")
	}
	if _, err := NewFromJWKS(ctx, "https://issuer", "", "https://issuer/keys"); err == nil {
		t.Fatalf("expected error without audience")
	}
}
