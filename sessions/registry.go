package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/pairgate/events"
	"github.com/ggoodman/pairgate/qr"
	"github.com/ggoodman/pairgate/transport"
)

const (
	DefaultInitTimeout     = 2 * time.Minute
	DefaultSendTimeout     = 30 * time.Second
	DefaultTeardownTimeout = 15 * time.Second
	DefaultMailboxSize     = 32

	defaultPublishTimeout = 2 * time.Second
)

// Registry maps identifiers to live sessions. The map lock only guards map
// bookkeeping; transport calls always happen outside of it.
type Registry struct {
	factory transport.Factory
	pairing *PairingCache
	broker  events.Broker
	log     *slog.Logger
	now     func() time.Time

	policy          DisconnectPolicy
	initTimeout     time.Duration
	sendTimeout     time.Duration
	teardownTimeout time.Duration
	publishTimeout  time.Duration
	mailboxSize     int

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithEncoder sets the pairing artifact encoder. The default renders PNG QR
// codes of qr.DefaultSize.
func WithEncoder(enc qr.Encoder) Option {
	return func(r *Registry) {
		if enc != nil {
			r.pairing = NewPairingCache(enc)
		}
	}
}

// WithBroker publishes a Transition for every state change to b.
func WithBroker(b events.Broker) Option {
	return func(r *Registry) { r.broker = b }
}

// WithDisconnectPolicy sets what happens on an agent disconnect.
func WithDisconnectPolicy(p DisconnectPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithInitTimeout bounds the agent's Initialize call.
func WithInitTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.initTimeout = d
		}
	}
}

// WithSendTimeout bounds each forwarding attempt.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithTeardownTimeout bounds the Logout and Destroy calls of a teardown.
func WithTeardownTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.teardownTimeout = d
		}
	}
}

// WithMailboxSize sets the per-session event buffer.
func WithMailboxSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.mailboxSize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry returns an empty registry creating agents through factory.
func NewRegistry(factory transport.Factory, opts ...Option) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("sessions: transport factory is required")
	}
	r := &Registry{
		factory:         factory,
		pairing:         NewPairingCache(qr.NewPNGEncoder(qr.DefaultSize)),
		log:             slog.New(slog.DiscardHandler),
		now:             time.Now,
		policy:          DisconnectRemove,
		initTimeout:     DefaultInitTimeout,
		sendTimeout:     DefaultSendTimeout,
		teardownTimeout: DefaultTeardownTimeout,
		publishTimeout:  defaultPublishTimeout,
		mailboxSize:     DefaultMailboxSize,
		sessions:        make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := ParseDisconnectPolicy(string(r.policy)); err != nil {
		return nil, err
	}
	return r, nil
}

// Pairing exposes the registry's pairing cache.
func (r *Registry) Pairing() *PairingCache { return r.pairing }

// GetOrCreate returns the session for id, creating it when absent. Creation
// allocates the transport handle under the map lock, so concurrent first
// calls for the same id yield exactly one handle. Initialization then runs
// asynchronously.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (s *Session, created bool, err error) {
	if id == "" {
		return nil, false, newError(KindInvalidRequest, "", errors.New("empty session id"))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, ErrRegistryClosed
	}
	if existing, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return existing, false, nil
	}
	s = newSession(r, id)
	agent, err := r.factory.NewAgent(id, s.emit)
	if err != nil {
		r.mu.Unlock()
		s.cancel()
		r.log.ErrorContext(ctx, "session.create.fail", slog.String("id", id), slog.String("err", err.Error()))
		return nil, false, newError(KindTransportFailure, id, err)
	}
	s.agent = agent
	s.state = StateInitializing
	r.sessions[id] = s
	// Held before the session becomes reachable so the creation transition
	// is published ahead of anything a concurrent teardown publishes.
	s.pubMu.Lock()
	r.mu.Unlock()

	s.log.InfoContext(ctx, "session.create")
	s.publish(StateUninitialized.String(), StateInitializing.String(), "", "", s.createdAt)
	s.pubMu.Unlock()

	go s.run()
	go s.initialize()

	return s, true, nil
}

// Lookup returns the session for id without creating one.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove tears the session for id down without logging it out, so its
// pairing survives, and reports whether a session was registered.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	s, ok := r.Lookup(id)
	if !ok {
		return false
	}
	r.teardown(ctx, s, teardownRequest{reason: "removed"})
	return true
}

// removeSession deletes s only if it is still the entry for its id.
func (r *Registry) removeSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
		return true
	}
	return false
}

// Status reports the external status of id.
func (r *Registry) Status(id string) Status {
	s, ok := r.Lookup(id)
	if !ok {
		return StatusNotInitialized
	}
	return s.Status()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns Info for every registered session ordered by id.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops accepting new sessions and tears every session down
// concurrently. Agents are destroyed without being logged out so their
// pairing survives a restart. Close returns ctx.Err() if ctx ends first.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	r.log.InfoContext(ctx, "registry.close", slog.Int("sessions", len(list)))

	var wg sync.WaitGroup
	for _, s := range list {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			r.teardown(ctx, s, teardownRequest{reason: "shutdown"})
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
