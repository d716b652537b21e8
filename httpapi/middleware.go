package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/ggoodman/pairgate/auth"
	"github.com/ggoodman/pairgate/internal/logctx"
)

// requireAuth rejects requests without a valid bearer token when an
// authenticator is configured. /health is always public.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	if h.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		tok, ok := auth.BearerToken(r.Header.Get(authorizationHeader))
		if !ok {
			// RFC 6750 §3.1: malformed credentials are an invalid_request.
			h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
			writeChallenge(w, auth.NewInvalidAuthorizationHeader(h.realm))
			return
		}
		if tok == "" {
			// RFC 6750 §3.1: no error code when credentials are absent.
			h.log.InfoContext(ctx, "auth.check.missing")
			writeChallenge(w, auth.NewAuthenticationRequired(h.realm))
			return
		}

		userInfo, err := h.auth.CheckAuthentication(ctx, tok)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrInsufficientScope) {
				h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
				writeChallenge(w, auth.ChallengeFor(err, h.realm, h.requiredScopes))
				return
			}
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "internal", "authentication unavailable")
			return
		}

		ctx = logctx.WithPrincipal(ctx, &logctx.Principal{UserID: userInfo.UserID()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeChallenge(w http.ResponseWriter, c auth.Challenge) {
	w.Header().Add(wwwAuthenticateHeader, c.WWWAuthenticate)
	w.WriteHeader(c.Status)
}

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Accept, Authorization, Content-Type, Last-Event-ID"
	corsMaxAge       = "600"
)

// corsPolicy answers preflight requests and decorates responses for the
// configured origins. A nil policy is a no-op.
type corsPolicy struct {
	any     bool
	origins []string
}

func newCORSPolicy(origins []string) *corsPolicy {
	var p corsPolicy
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins = append(p.origins, strings.TrimSuffix(o, "/"))
		}
	}
	if !p.any && len(p.origins) == 0 {
		return nil
	}
	return &p
}

func (p *corsPolicy) allowed(origin string) bool {
	return p.any || slices.Contains(p.origins, origin)
}

func (p *corsPolicy) wrap(next http.Handler) http.Handler {
	if p == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")
		if origin == "" || !p.allowed(origin) {
			next.ServeHTTP(w, r)
			return
		}
		if p.any {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Expose-Headers", "WWW-Authenticate, X-Request-Id")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.Header().Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
