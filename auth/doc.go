// Package auth provides the bearer token authentication used by the HTTP
// API. Operators of the gateway authenticate with JWT access tokens issued by
// an external OAuth 2.0 / OIDC authorization server.
//
// The public surface stays small: an Authenticator validates a bearer token
// string and returns a UserInfo (or an error). The HTTP layer extracts the
// token with BearerToken and maps sentinel errors onto RFC 6750 challenges
// with ChallengeFor.
//
// # Access Token Authentication
//
// NewFromDiscovery resolves the issuer's signing keys through OpenID Connect
// discovery; NewFromJWKS uses a fixed JWKS URL. Both refresh keys in the
// background for as long as the construction context lives.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://gateway.example",
//	    auth.WithRequiredScopes("sessions:send"),
//	)
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
