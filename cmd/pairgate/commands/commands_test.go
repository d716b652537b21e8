package commands

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/ggoodman/pairgate/config"
	"github.com/ggoodman/pairgate/events/memorybroker"
)

func TestServeFlagsOverrideEnvironment(t *testing.T) {
	var flags serveFlags
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.register(fs)
	if err := fs.Parse([]string{"--port", "8080", "--disconnect-policy", "retain"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg := config.Config{Port: 3000, DisconnectPolicy: "remove", LogLevel: "debug"}
	flags.apply(fs, &cfg)

	if cfg.Port != 8080 || cfg.DisconnectPolicy != "retain" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unset flag overrode the environment: %q", cfg.LogLevel)
	}
}

func TestNewBrokerDefaultsToMemory(t *testing.T) {
	b, closeFn, err := newBroker(context.Background(), config.Config{EventsBackend: config.EventsMemory, EventsRetention: 8})
	if err != nil {
		t.Fatalf("newBroker: %v", err)
	}
	defer closeFn()
	if _, ok := b.(*memorybroker.Broker); !ok {
		t.Fatalf("expected memory broker, got %T", b)
	}
}

func TestNewAuthenticatorNone(t *testing.T) {
	a, err := newAuthenticator(context.Background(), config.Config{AuthMode: config.AuthNone})
	if err != nil || a != nil {
		t.Fatalf("expected no authenticator, got %v %v", a, err)
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != Version {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
