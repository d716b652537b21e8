// Package events defines the broker used to fan session lifecycle
// transitions out to observers.
//
// A Broker keeps a short, ordered log per namespace (one namespace per
// session identifier). Subscribers either follow new entries or resume after
// a previously seen event ID, which is what lets Server-Sent Events clients
// reconnect with Last-Event-ID without missing transitions.
//
// Implementations
//
//	memorybroker : process-local, bounded in-memory log
//	redisbroker  : Redis Streams, shared by every replica pointed at the same server
package events

import (
	"context"
	"errors"
)

// ErrInvalidEventID is returned by Subscribe when lastEventID cannot have
// been produced by the broker.
var ErrInvalidEventID = errors.New("events: invalid last event id")

// Envelope is a published message together with its broker-assigned ID.
// IDs are ordered within a namespace.
type Envelope struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// Handler consumes envelopes in order. Returning an error ends the
// subscription with that error.
type Handler func(ctx context.Context, env Envelope) error

// Broker provides ordered, resumable publish/subscribe per namespace.
// Implementations MUST be safe for concurrent use.
type Broker interface {
	// Publish appends data to the namespace log and returns its event ID.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)
	// Subscribe delivers entries to handler until ctx ends or handler fails.
	// With an empty lastEventID only entries published after the call are
	// delivered; otherwise delivery resumes after lastEventID.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler Handler) error
}
