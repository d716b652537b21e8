package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Challenge describes an HTTP challenge (status + WWW-Authenticate header)
// per RFC 6750.
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// NewAuthenticationRequired builds a challenge for requests without credentials.
func NewAuthenticationRequired(realm string) Challenge {
	return Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s"`, quote(realm)),
	}
}

// NewInvalidAuthorizationHeader builds a challenge for a malformed Authorization header.
func NewInvalidAuthorizationHeader(realm string) Challenge {
	return Challenge{
		Status:          http.StatusBadRequest,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s", error="invalid_request", error_description="Invalid Authorization header"`, quote(realm)),
	}
}

// NewInvalidToken builds a challenge indicating the token is invalid.
func NewInvalidToken(realm, description string) Challenge {
	return Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s", error="invalid_token", error_description="%s"`, quote(realm), quote(description)),
	}
}

// NewInsufficientScope builds a challenge indicating missing required scope.
func NewInsufficientScope(realm string, scopes []string) Challenge {
	h := fmt.Sprintf(`Bearer realm="%s", error="insufficient_scope"`, quote(realm))
	if len(scopes) > 0 {
		h += fmt.Sprintf(`, scope="%s"`, quote(strings.Join(scopes, " ")))
	}
	return Challenge{Status: http.StatusForbidden, WWWAuthenticate: h}
}

// ChallengeFor maps an Authenticator error onto the matching challenge.
func ChallengeFor(err error, realm string, scopes []string) Challenge {
	if errors.Is(err, ErrInsufficientScope) {
		return NewInsufficientScope(realm, scopes)
	}
	return NewInvalidToken(realm, "The access token is invalid")
}

// BearerToken extracts the token from an Authorization header value. ok is
// false when the header is present but not a well-formed bearer credential;
// an empty header yields ("", true).
func BearerToken(header string) (tok string, ok bool) {
	if header == "" {
		return "", true
	}
	scheme, rest, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" || strings.ContainsAny(rest, " \t") {
		return "", false
	}
	return rest, true
}

var quoteReplacer = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func quote(s string) string { return quoteReplacer.Replace(s) }
