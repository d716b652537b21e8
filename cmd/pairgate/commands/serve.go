package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ggoodman/pairgate/auth"
	"github.com/ggoodman/pairgate/config"
	"github.com/ggoodman/pairgate/events"
	"github.com/ggoodman/pairgate/events/memorybroker"
	"github.com/ggoodman/pairgate/events/redisbroker"
	"github.com/ggoodman/pairgate/httpapi"
	"github.com/ggoodman/pairgate/qr"
	"github.com/ggoodman/pairgate/sessions"
	"github.com/ggoodman/pairgate/transport/bridge"
)

// shutdownSlack is added to the teardown timeout when bounding shutdown.
const shutdownSlack = 5 * time.Second

// serveFlags override the environment when set on the command line.
type serveFlags struct {
	host             string
	port             int
	bridgeCommand    string
	disconnectPolicy string
	eventsBackend    string
	redisAddr        string
	logLevel         string
	logFormat        string
}

func (f *serveFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.host, "host", "", "listen host (env HOST)")
	fs.IntVar(&f.port, "port", 3000, "listen port (env PORT)")
	fs.StringVar(&f.bridgeCommand, "bridge-command", "node", "bridge executable (env BRIDGE_COMMAND)")
	fs.StringVar(&f.disconnectPolicy, "disconnect-policy", "remove", "remove | retain (env DISCONNECT_POLICY)")
	fs.StringVar(&f.eventsBackend, "events", config.EventsMemory, "memory | redis (env EVENTS_BACKEND)")
	fs.StringVar(&f.redisAddr, "redis-addr", "localhost:6379", "redis address (env REDIS_ADDR)")
	fs.StringVar(&f.logLevel, "log-level", "info", "debug | info | warn | error (env LOG_LEVEL)")
	fs.StringVar(&f.logFormat, "log-format", "json", "json | text (env LOG_FORMAT)")
}

func (f *serveFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("host") {
		cfg.Host = f.host
	}
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("bridge-command") {
		cfg.BridgeCommand = f.bridgeCommand
	}
	if fs.Changed("disconnect-policy") {
		cfg.DisconnectPolicy = f.disconnectPolicy
	}
	if fs.Changed("events") {
		cfg.EventsBackend = f.eventsBackend
	}
	if fs.Changed("redis-addr") {
		cfg.RedisAddr = f.redisAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
}

func serveCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags.apply(cmd.Flags(), &cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

// serve runs the gateway until ctx ends, then shuts the listener down and
// tears every session down.
func serve(ctx context.Context, cfg config.Config, logOut io.Writer) error {
	log := cfg.NewLogger(logOut)

	broker, closeBroker, err := newBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBroker()

	if err := os.MkdirAll(cfg.BridgeDataDir, 0o700); err != nil {
		return fmt.Errorf("create bridge data dir: %w", err)
	}
	factory, err := bridge.NewFactory(bridge.Config{
		Command:        cfg.BridgeCommand,
		Args:           cfg.BridgeArgs,
		DataDir:        cfg.BridgeDataDir,
		ExecutablePath: cfg.ExecutablePath,
		Logger:         log.With(slog.String("component", "bridge")),
	})
	if err != nil {
		return err
	}

	reg, err := sessions.NewRegistry(factory,
		sessions.WithLogger(log.With(slog.String("component", "sessions"))),
		sessions.WithEncoder(qr.NewPNGEncoder(cfg.QRSize)),
		sessions.WithBroker(broker),
		sessions.WithDisconnectPolicy(cfg.Policy()),
		sessions.WithInitTimeout(cfg.InitTimeout),
		sessions.WithSendTimeout(cfg.SendTimeout),
		sessions.WithTeardownTimeout(cfg.TeardownTimeout),
	)
	if err != nil {
		return err
	}

	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		_ = reg.Close(context.Background())
		return err
	}

	opts := []httpapi.Option{
		httpapi.WithLogger(log.With(slog.String("component", "http"))),
		httpapi.WithBroker(broker),
		httpapi.WithAllowedOrigins(cfg.CORSAllowedOrigins...),
		httpapi.WithSendRateLimit(cfg.SendRateLimit, cfg.SendRateBurst),
	}
	if authn != nil {
		opts = append(opts, httpapi.WithAuthenticator(authn, cfg.AuthRequiredScopes...))
	}
	h, err := httpapi.New(reg, opts...)
	if err != nil {
		_ = reg.Close(context.Background())
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	srv.RegisterOnShutdown(h.CloseStreams)

	errc := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", srv.Addr), slog.String("auth", cfg.AuthMode), slog.String("events", cfg.EventsBackend))
		errc <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown.start")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TeardownTimeout+shutdownSlack)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := reg.Close(shutdownCtx); err != nil {
		log.Warn("sessions.close.fail", slog.String("err", err.Error()))
	}
	log.Info("shutdown.done")
	return runErr
}

func newBroker(ctx context.Context, cfg config.Config) (events.Broker, func(), error) {
	switch cfg.EventsBackend {
	case config.EventsRedis:
		b, err := redisbroker.New(ctx, redisbroker.Config{
			Addr:      cfg.RedisAddr,
			KeyPrefix: cfg.EventsKeyPrefix,
			Retention: int64(cfg.EventsRetention),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("events broker: %w", err)
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return memorybroker.New(memorybroker.WithRetention(cfg.EventsRetention)), func() {}, nil
	}
}

func newAuthenticator(ctx context.Context, cfg config.Config) (auth.Authenticator, error) {
	var opts []auth.AccessTokenAuthOption
	if len(cfg.AuthRequiredScopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(cfg.AuthRequiredScopes...))
	}
	switch cfg.AuthMode {
	case config.AuthOIDC:
		a, err := auth.NewFromDiscovery(ctx, cfg.AuthIssuer, cfg.AuthAudience, opts...)
		if err != nil {
			return nil, fmt.Errorf("oidc authenticator: %w", err)
		}
		return a, nil
	case config.AuthJWKS:
		a, err := auth.NewFromJWKS(ctx, cfg.AuthIssuer, cfg.AuthAudience, cfg.AuthJWKSURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("jwks authenticator: %w", err)
		}
		return a, nil
	}
	return nil, nil
}
