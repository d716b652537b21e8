package sessions

import (
	"fmt"

	"github.com/ggoodman/pairgate/transport"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateAwaitingPairing
	StateReady
	StateDisconnected
	StateAuthFailed
)

var stateNames = [...]string{
	StateUninitialized:   "uninitialized",
	StateInitializing:    "initializing",
	StateAwaitingPairing: "awaiting_pairing",
	StateReady:           "ready",
	StateDisconnected:    "disconnected",
	StateAuthFailed:      "auth_failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transport event can move the session.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateAuthFailed
}

// Status is the coarse, externally visible view of a session.
type Status string

const (
	StatusNotInitialized Status = "not_initialized"
	StatusNotReady       Status = "not_ready"
	StatusReady          Status = "ready"
)

// DisconnectPolicy decides what happens to a session whose agent reports a
// disconnect.
type DisconnectPolicy string

const (
	// DisconnectRemove tears the session down so the next probe starts over.
	DisconnectRemove DisconnectPolicy = "remove"
	// DisconnectRetain keeps the session in the Disconnected state until it
	// is probed or logged out.
	DisconnectRetain DisconnectPolicy = "retain"
)

// ParseDisconnectPolicy parses "remove" or "retain". The empty string maps to
// DisconnectRemove.
func ParseDisconnectPolicy(s string) (DisconnectPolicy, error) {
	switch DisconnectPolicy(s) {
	case "", DisconnectRemove:
		return DisconnectRemove, nil
	case DisconnectRetain:
		return DisconnectRetain, nil
	}
	return "", fmt.Errorf("unknown disconnect policy %q", s)
}

// transition returns the state reached from `from` on event kind k. ok is
// false when the event must be ignored.
//
//	Initializing    --paired-->       AwaitingPairing
//	AwaitingPairing --paired-->       AwaitingPairing (artifact replaced)
//	Initializing    --ready-->        Ready (resumed pairing)
//	AwaitingPairing --ready-->        Ready
//	non-terminal    --disconnected--> Disconnected
//	any but AuthFailed --auth_failed--> AuthFailed
func transition(from State, k transport.EventKind) (to State, ok bool) {
	if from == StateUninitialized {
		return from, false
	}
	switch k {
	case transport.EventPaired:
		if from == StateInitializing || from == StateAwaitingPairing {
			return StateAwaitingPairing, true
		}
	case transport.EventReady:
		if from == StateInitializing || from == StateAwaitingPairing {
			return StateReady, true
		}
	case transport.EventDisconnected:
		if !from.Terminal() {
			return StateDisconnected, true
		}
	case transport.EventAuthFailed:
		if from != StateAuthFailed {
			return StateAuthFailed, true
		}
	}
	return from, false
}
