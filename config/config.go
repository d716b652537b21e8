// Package config loads the gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/pairgate/internal/logctx"
	"github.com/ggoodman/pairgate/sessions"
)

const (
	EventsMemory = "memory"
	EventsRedis  = "redis"

	AuthNone = "none"
	AuthOIDC = "oidc"
	AuthJWKS = "jwks"
)

// Config is the complete gateway configuration. Slice values are separated
// by semicolons in the environment.
type Config struct {
	Host string `env:"HOST"`
	Port int    `env:"PORT,default=3000"`

	ExecutablePath string   `env:"PUPPETEER_EXECUTABLE_PATH"`
	BridgeCommand  string   `env:"BRIDGE_COMMAND,default=node"`
	BridgeArgs     []string `env:"BRIDGE_ARGS,default=bridge/index.js"`
	BridgeDataDir  string   `env:"BRIDGE_DATA_DIR,default=.wwebjs_auth"`

	InitTimeout      time.Duration `env:"INIT_TIMEOUT,default=2m"`
	SendTimeout      time.Duration `env:"SEND_TIMEOUT,default=30s"`
	TeardownTimeout  time.Duration `env:"TEARDOWN_TIMEOUT,default=15s"`
	DisconnectPolicy string        `env:"DISCONNECT_POLICY,default=remove"`
	QRSize           int           `env:"QR_SIZE,default=256"`

	EventsBackend   string `env:"EVENTS_BACKEND,default=memory"`
	RedisAddr       string `env:"REDIS_ADDR,default=localhost:6379"`
	EventsKeyPrefix string `env:"EVENTS_KEY_PREFIX,default=pairgate:events:"`
	EventsRetention int    `env:"EVENTS_RETENTION,default=256"`

	AuthMode           string   `env:"AUTH_MODE,default=none"`
	AuthIssuer         string   `env:"AUTH_ISSUER"`
	AuthAudience       string   `env:"AUTH_AUDIENCE"`
	AuthJWKSURL        string   `env:"AUTH_JWKS_URL"`
	AuthRequiredScopes []string `env:"AUTH_REQUIRED_SCOPES"`

	SendRateLimit float64 `env:"SEND_RATE_LIMIT,default=0"`
	SendRateBurst int     `env:"SEND_RATE_BURST,default=1"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Load decodes the environment into a Config. It does not validate.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT: %d out of range", c.Port))
	}
	if c.BridgeCommand == "" {
		errs = append(errs, errors.New("BRIDGE_COMMAND: required"))
	}
	if _, err := sessions.ParseDisconnectPolicy(c.DisconnectPolicy); err != nil {
		errs = append(errs, fmt.Errorf("DISCONNECT_POLICY: %w", err))
	}
	if c.QRSize < 0 {
		errs = append(errs, fmt.Errorf("QR_SIZE: %d must not be negative", c.QRSize))
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"INIT_TIMEOUT", c.InitTimeout},
		{"SEND_TIMEOUT", c.SendTimeout},
		{"TEARDOWN_TIMEOUT", c.TeardownTimeout},
	} {
		if t.d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", t.name))
		}
	}
	switch c.EventsBackend {
	case EventsMemory:
	case EventsRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR: required for the redis events backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("EVENTS_BACKEND: unknown backend %q", c.EventsBackend))
	}
	switch c.AuthMode {
	case AuthNone:
	case AuthOIDC, AuthJWKS:
		if c.AuthIssuer == "" {
			errs = append(errs, errors.New("AUTH_ISSUER: required when authentication is enabled"))
		}
		if c.AuthAudience == "" {
			errs = append(errs, errors.New("AUTH_AUDIENCE: required when authentication is enabled"))
		}
		if c.AuthMode == AuthJWKS && c.AuthJWKSURL == "" {
			errs = append(errs, errors.New("AUTH_JWKS_URL: required for jwks authentication"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_MODE: unknown mode %q", c.AuthMode))
	}
	if c.SendRateLimit < 0 {
		errs = append(errs, errors.New("SEND_RATE_LIMIT: must not be negative"))
	}
	if c.SendRateLimit > 0 && c.SendRateBurst < 1 {
		errs = append(errs, errors.New("SEND_RATE_BURST: must be at least 1"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unknown format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Policy returns the parsed disconnect policy.
func (c Config) Policy() sessions.DisconnectPolicy {
	p, _ := sessions.ParseDisconnectPolicy(c.DisconnectPolicy)
	return p
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.Wrap(h))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, err
	}
	return l, nil
}
