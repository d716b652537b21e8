// Package transport defines the contract between the session registry and
// the external messaging agent that performs pairing and delivery.
//
// An Agent is an opaque, exclusively owned handle. It reports lifecycle
// changes asynchronously through the EmitFunc it was constructed with, in the
// order they happen, and exposes four operations that may each fail or block
// until the caller's context ends.
//
// Implementations
//
//	bridge        : one child process per session speaking JSON-RPC over stdio
//	transporttest : scriptable in-memory agent for tests
package transport

import (
	"context"
	"time"
)

// EventKind identifies a lifecycle event emitted by an Agent.
type EventKind string

const (
	// EventPaired carries a fresh pairing payload that must be shown to the user.
	EventPaired EventKind = "paired"
	// EventReady reports that the agent is authenticated and can send.
	EventReady EventKind = "ready"
	// EventDisconnected reports that the agent lost its upstream connection.
	EventDisconnected EventKind = "disconnected"
	// EventAuthFailed reports that the stored or scanned credentials were rejected.
	EventAuthFailed EventKind = "auth_failed"
)

// Event is a single lifecycle notification from an Agent.
type Event struct {
	Kind EventKind
	// Payload is the raw pairing payload for EventPaired.
	Payload string
	// Reason is an optional human readable cause for EventDisconnected and
	// EventAuthFailed.
	Reason string
	At     time.Time
}

// EmitFunc receives events from an Agent. Agents call it sequentially from a
// single goroutine per handle.
type EmitFunc func(Event)

// MessageID is the transport-assigned identifier of a forwarded message. It
// may be empty when the transport does not report one.
type MessageID string

// Agent is a transport handle owned by exactly one session.
type Agent interface {
	// Initialize starts the agent. Pairing and readiness are reported later
	// through events.
	Initialize(ctx context.Context) error
	// SendMessage forwards body to address. A nil error acknowledges that the
	// transport accepted the message, not that it was delivered.
	SendMessage(ctx context.Context, address, body string) (MessageID, error)
	// Logout revokes the agent's pairing with the upstream service.
	Logout(ctx context.Context) error
	// Destroy releases every resource held by the agent. It must be safe to
	// call after a failed Initialize or Logout.
	Destroy(ctx context.Context) error
}

// Factory constructs Agents. NewAgent runs while the registry holds its map
// lock, so it must only allocate the handle and never block on I/O.
type Factory interface {
	NewAgent(id string, emit EmitFunc) (Agent, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(id string, emit EmitFunc) (Agent, error)

// NewAgent implements Factory.
func (f FactoryFunc) NewAgent(id string, emit EmitFunc) (Agent, error) { return f(id, emit) }
