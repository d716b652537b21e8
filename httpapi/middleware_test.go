package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/ggoodman/pairgate/auth/authtest"
)

func TestBearerAuthentication(t *testing.T) {
	tokens := authtest.NewStaticTokens("good", "operator")
	tokens.Users["limited"] = "viewer"
	tokens.Unscoped["limited"] = true
	ts := newTestServer(t, nil, WithAuthenticator(tokens, "sessions:write"), WithRealm("gateway"))

	cases := []struct {
		name      string
		path      string
		header    string
		status    int
		challenge string
	}{
		{"health is public", "/health", "", http.StatusOK, ""},
		{"missing credentials", "/status/w1", "", http.StatusUnauthorized, `Bearer realm="gateway"`},
		{"wrong scheme", "/status/w1", "Basic Zm9vOmJhcg==", http.StatusBadRequest, `error="invalid_request"`},
		{"unknown token", "/status/w1", "Bearer nope", http.StatusUnauthorized, `error="invalid_token"`},
		{"insufficient scope", "/status/w1", "Bearer limited", http.StatusForbidden, `scope="sessions:write"`},
		{"valid token", "/status/w1", "Bearer good", http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hdr map[string]string
			if tc.header != "" {
				hdr = map[string]string{"Authorization": tc.header}
			}
			res := ts.do(t, http.MethodGet, tc.path, "", hdr)
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, res.StatusCode)
			}
			got := res.Header.Get("WWW-Authenticate")
			if tc.challenge == "" && got != "" {
				t.Fatalf("unexpected challenge %q", got)
			}
			if !strings.Contains(got, tc.challenge) {
				t.Fatalf("expected challenge containing %q, got %q", tc.challenge, got)
			}
		})
	}

	if ts.reg.Len() != 0 {
		t.Fatalf("rejected requests must not create sessions")
	}
}

func TestCORS(t *testing.T) {
	tokens := authtest.NewStaticTokens("good", "operator")
	ts := newTestServer(t, nil, WithAllowedOrigins("https://app.example/"), WithAuthenticator(tokens))

	t.Run("preflight skips authentication", func(t *testing.T) {
		res := ts.do(t, http.MethodOptions, "/send/w1", "", map[string]string{
			"Origin":                        "https://app.example",
			"Access-Control-Request-Method": "POST",
		})
		if res.StatusCode != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", res.StatusCode)
		}
		if got := res.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
			t.Fatalf("unexpected allow origin %q", got)
		}
		if got := res.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
			t.Fatalf("Authorization not allowed: %q", got)
		}
	})

	t.Run("simple request is decorated", func(t *testing.T) {
		res := ts.do(t, http.MethodGet, "/health", "", map[string]string{"Origin": "https://app.example"})
		if got := res.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
			t.Fatalf("unexpected allow origin %q", got)
		}
	})

	t.Run("other origins are not decorated", func(t *testing.T) {
		res := ts.do(t, http.MethodGet, "/health", "", map[string]string{"Origin": "https://evil.example"})
		if got := res.Header.Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("unexpected allow origin %q", got)
		}
	})
}

func TestCORSWildcard(t *testing.T) {
	ts := newTestServer(t, nil, WithAllowedOrigins("*"))
	res := ts.do(t, http.MethodGet, "/health", "", map[string]string{"Origin": "https://anywhere.example"})
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard, got %q", got)
	}
}

func TestSendLimiter(t *testing.T) {
	l := newSendLimiter(1000, 1)
	for i := range sweepThreshold {
		l.limiters[strconv.Itoa(i)] = rate.NewLimiter(l.limit, l.burst)
	}
	if !l.allow("w1") {
		t.Fatalf("first send must be allowed")
	}
	if len(l.limiters) != 1 {
		t.Fatalf("idle limiters were not swept, %d left", len(l.limiters))
	}
	l.forget("w1")
	if len(l.limiters) != 0 {
		t.Fatalf("forget did not drop the limiter")
	}

	if newSendLimiter(0, 1) != nil {
		t.Fatalf("a zero limit disables throttling")
	}
	var disabled *sendLimiter
	if !disabled.allow("w1") {
		t.Fatalf("a nil limiter allows everything")
	}
}
