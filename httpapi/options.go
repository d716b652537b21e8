package httpapi

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ggoodman/pairgate/auth"
	"github.com/ggoodman/pairgate/events"
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	authenticator  auth.Authenticator
	requiredScopes []string
	realm          string
	broker         events.Broker
	origins        []string
	sendLimit      rate.Limit
	sendBurst      int
	heartbeat      time.Duration
}

// WithLogger sets the logger. Records are annotated with request and session
// attributes.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuthenticator enables bearer authentication on every route except
// /health. scopes are advertised in insufficient_scope challenges.
func WithAuthenticator(a auth.Authenticator, scopes ...string) Option {
	return func(c *newConfig) {
		c.authenticator = a
		c.requiredScopes = append([]string(nil), scopes...)
	}
}

// WithRealm sets the realm used in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *newConfig) {
		c.realm = realm
	}
}

// WithBroker enables GET /events/{id}, streaming the lifecycle transitions
// published to b.
func WithBroker(b events.Broker) Option {
	return func(c *newConfig) {
		c.broker = b
	}
}

// WithAllowedOrigins enables CORS for the listed origins. "*" allows any
// origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *newConfig) {
		c.origins = append(c.origins, origins...)
	}
}

// WithSendRateLimit throttles POST /send/{id} per identifier to limit
// messages per second with the given burst. A non-positive limit disables
// throttling.
func WithSendRateLimit(limit float64, burst int) Option {
	return func(c *newConfig) {
		c.sendLimit = rate.Limit(limit)
		c.sendBurst = burst
	}
}

// WithHeartbeat sets the interval of keep-alive comments on event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}
