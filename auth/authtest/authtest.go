// Package authtest provides in-memory authenticators for tests.
package authtest

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/pairgate/auth"
)

// StaticTokens authenticates a fixed set of tokens. Each token maps to a
// user ID; tokens listed in Unscoped authenticate but fail the scope check.
type StaticTokens struct {
	Users    map[string]string
	Unscoped map[string]bool
}

// NewStaticTokens returns a StaticTokens accepting token for userID.
func NewStaticTokens(token, userID string) *StaticTokens {
	return &StaticTokens{Users: map[string]string{token: userID}, Unscoped: map[string]bool{}}
}

// CheckAuthentication implements auth.Authenticator.
func (s *StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := s.Users[tok]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	if s.Unscoped[tok] {
		return nil, auth.ErrInsufficientScope
	}
	return User{ID: uid}, nil
}

// User is a minimal auth.UserInfo.
type User struct {
	ID          string
	ClaimValues map[string]any
}

func (u User) UserID() string { return u.ID }

func (u User) Claims(ref any) error {
	b, err := json.Marshal(u.ClaimValues)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*StaticTokens)(nil)
