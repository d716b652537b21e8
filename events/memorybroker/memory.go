// Package memorybroker provides an in-memory events.Broker suitable for
// single-process deployments and tests. Each namespace retains a bounded
// number of recent envelopes; older entries are dropped. Namespaces without
// subscribers are evicted once they have been idle for the idle TTL.
package memorybroker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/pairgate/events"
)

const (
	// DefaultRetention is the number of envelopes kept per namespace.
	DefaultRetention = 256
	// DefaultIdleTTL is how long an unobserved namespace outlives its last
	// publish or subscription.
	DefaultIdleTTL = time.Hour
)

type entry struct {
	seq int64
	env events.Envelope
}

type namespace struct {
	// users and touched are guarded by Broker.mu.
	users   int
	touched time.Time

	mu      sync.Mutex
	entries []entry
	// wake is closed and replaced on every publish.
	wake chan struct{}
}

// Broker implements events.Broker in memory.
type Broker struct {
	retention int
	idleTTL   time.Duration
	now       func() time.Time
	counter   atomic.Int64

	mu         sync.Mutex
	namespaces map[string]*namespace
	lastSweep  time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithRetention bounds how many envelopes each namespace keeps.
func WithRetention(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.retention = n
		}
	}
}

// WithIdleTTL sets how long a namespace without subscribers is kept after
// its last activity.
func WithIdleTTL(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.idleTTL = d
		}
	}
}

// WithClock overrides the time source used for eviction.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// New constructs an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		retention:  DefaultRetention,
		idleTTL:    DefaultIdleTTL,
		now:        time.Now,
		namespaces: make(map[string]*namespace),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastSweep = b.now()
	return b
}

// Len returns the number of namespaces currently held.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.namespaces)
}

// Publish implements events.Broker.
func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ns := b.acquire(name)
	defer b.release(name, ns)

	ns.mu.Lock()
	defer ns.mu.Unlock()

	// The sequence is taken under the namespace lock so entries stay ordered.
	seq := b.counter.Add(1)
	env := events.Envelope{ID: strconv.FormatInt(seq, 10), Data: append([]byte(nil), data...)}
	ns.entries = append(ns.entries, entry{seq: seq, env: env})
	if over := len(ns.entries) - b.retention; over > 0 {
		ns.entries = append([]entry(nil), ns.entries[over:]...)
	}
	close(ns.wake)
	ns.wake = make(chan struct{})
	return env.ID, nil
}

// Subscribe implements events.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string, handler events.Handler) error {
	var last int64
	if lastEventID != "" {
		n, err := strconv.ParseInt(lastEventID, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %q", events.ErrInvalidEventID, lastEventID)
		}
		last = n
	} else {
		last = b.counter.Load()
	}

	ns := b.acquire(name)
	defer b.release(name, ns)

	for {
		ns.mu.Lock()
		var batch []events.Envelope
		for _, e := range ns.entries {
			if e.seq > last {
				batch = append(batch, e.env)
			}
		}
		wake := ns.wake
		ns.mu.Unlock()

		for _, env := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, env); err != nil {
				return err
			}
			last, _ = strconv.ParseInt(env.ID, 10, 64)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// acquire returns the namespace for name, creating it when absent, and pins
// it until the matching release. Creating a namespace may trigger a sweep of
// idle ones.
func (b *Broker) acquire(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	ns, ok := b.namespaces[name]
	if !ok {
		if now.Sub(b.lastSweep) >= b.idleTTL {
			b.sweepLocked(now)
		}
		ns = &namespace{wake: make(chan struct{})}
		b.namespaces[name] = ns
	}
	ns.touched = now
	ns.users++
	return ns
}

// release unpins ns. A namespace left unpinned without entries, as after a
// subscription to an identifier nothing publishes to, is dropped at once.
func (b *Broker) release(name string, ns *namespace) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns.users--
	ns.touched = b.now()
	if ns.users > 0 || b.namespaces[name] != ns {
		return
	}
	ns.mu.Lock()
	empty := len(ns.entries) == 0
	ns.mu.Unlock()
	if empty {
		delete(b.namespaces, name)
	}
}

func (b *Broker) sweepLocked(now time.Time) {
	b.lastSweep = now
	for name, ns := range b.namespaces {
		if ns.users == 0 && now.Sub(ns.touched) >= b.idleTTL {
			delete(b.namespaces, name)
		}
	}
}

var _ events.Broker = (*Broker)(nil)
