package sessions

import (
	"testing"

	"github.com/ggoodman/pairgate/transport"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		from   State
		event  transport.EventKind
		to     State
		accept bool
	}{
		{StateInitializing, transport.EventPaired, StateAwaitingPairing, true},
		{StateAwaitingPairing, transport.EventPaired, StateAwaitingPairing, true},
		{StateAwaitingPairing, transport.EventReady, StateReady, true},
		{StateInitializing, transport.EventReady, StateReady, true},
		{StateReady, transport.EventDisconnected, StateDisconnected, true},
		{StateInitializing, transport.EventDisconnected, StateDisconnected, true},
		{StateAwaitingPairing, transport.EventDisconnected, StateDisconnected, true},
		{StateInitializing, transport.EventAuthFailed, StateAuthFailed, true},
		{StateAwaitingPairing, transport.EventAuthFailed, StateAuthFailed, true},
		{StateReady, transport.EventAuthFailed, StateAuthFailed, true},
		{StateDisconnected, transport.EventAuthFailed, StateAuthFailed, true},

		{StateReady, transport.EventPaired, StateReady, false},
		{StateReady, transport.EventReady, StateReady, false},
		{StateDisconnected, transport.EventReady, StateDisconnected, false},
		{StateDisconnected, transport.EventPaired, StateDisconnected, false},
		{StateDisconnected, transport.EventDisconnected, StateDisconnected, false},
		{StateAuthFailed, transport.EventReady, StateAuthFailed, false},
		{StateAuthFailed, transport.EventAuthFailed, StateAuthFailed, false},
		{StateUninitialized, transport.EventReady, StateUninitialized, false},
		{StateReady, transport.EventKind("bogus"), StateReady, false},
	}
	for _, tc := range cases {
		to, ok := transition(tc.from, tc.event)
		if ok != tc.accept || to != tc.to {
			t.Errorf("transition(%s, %s) = (%s, %v), want (%s, %v)", tc.from, tc.event, to, ok, tc.to, tc.accept)
		}
	}
}

func TestStateString(t *testing.T) {
	if got := StateAwaitingPairing.String(); got != "awaiting_pairing" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := State(42).String(); got != "state(42)" {
		t.Fatalf("unexpected name for unknown state %q", got)
	}
	b, err := StateReady.MarshalText()
	if err != nil || string(b) != "ready" {
		t.Fatalf("MarshalText = %q, %v", b, err)
	}
	if !StateAuthFailed.Terminal() || !StateDisconnected.Terminal() || StateReady.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestParseDisconnectPolicy(t *testing.T) {
	for in, want := range map[string]DisconnectPolicy{"": DisconnectRemove, "remove": DisconnectRemove, "retain": DisconnectRetain} {
		got, err := ParseDisconnectPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseDisconnectPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDisconnectPolicy("keep"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
