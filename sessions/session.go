package sessions

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/pairgate/qr"
	"github.com/ggoodman/pairgate/transport"
)

// Session is one identifier's lifecycle. It exclusively owns its transport
// handle; only the teardown path releases it.
type Session struct {
	id         string
	generation string
	createdAt  time.Time

	reg   *Registry
	log   *slog.Logger
	agent transport.Agent

	// ctx is cancelled when teardown starts so a pending Initialize returns.
	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	state            State
	lastTransitionAt time.Time
	reason           string
	failure          ErrorKind
	closing          bool

	// handleMu is read-held by sends and write-held while the agent is
	// destroyed.
	handleMu sync.RWMutex
	released bool

	// pubMu orders transition publication for this session.
	pubMu sync.Mutex

	mailbox      chan transport.Event
	stop         chan struct{}
	stopOnce     sync.Once
	teardownOnce sync.Once
	torn         chan struct{}
}

// Info is a point-in-time view of a Session.
type Info struct {
	ID               string    `json:"id"`
	Generation       string    `json:"generation"`
	State            State     `json:"state"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	Reason           string    `json:"reason,omitempty"`
	Failure          ErrorKind `json:"failure,omitempty"`
	HasArtifact      bool      `json:"has_artifact"`
	Closing          bool      `json:"closing,omitempty"`
}

// Transition is published to the events broker on every state change. To is
// "removed" once the session has left the registry.
type Transition struct {
	ID         string    `json:"id"`
	Generation string    `json:"generation"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Failure    ErrorKind `json:"failure,omitempty"`
	At         time.Time `json:"at"`
}

// TransitionRemoved is the Transition.To value of a removal.
const TransitionRemoved = "removed"

func newSession(r *Registry, id string) *Session {
	gen := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	now := r.now()
	return &Session{
		id:               id,
		generation:       gen,
		createdAt:        now,
		lastTransitionAt: now,
		reg:              r,
		log:              r.log.With(slog.Group("sess", slog.String("id", id), slog.String("generation", gen))),
		ctx:              ctx,
		cancel:           cancel,
		state:            StateUninitialized,
		mailbox:          make(chan transport.Event, r.mailboxSize),
		stop:             make(chan struct{}),
		torn:             make(chan struct{}),
	}
}

// ID returns the external identifier of the session.
func (s *Session) ID() string { return s.id }

// Generation distinguishes this session from earlier or later sessions
// created for the same identifier.
func (s *Session) Generation() string { return s.generation }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status maps the state onto the external status vocabulary.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReady && !s.closing {
		return StatusReady
	}
	return StatusNotReady
}

// Artifact returns the pairing artifact while the session awaits pairing.
func (s *Session) Artifact() (qr.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingPairing || s.closing {
		return qr.Artifact{}, false
	}
	return s.reg.pairing.Artifact(s.generation)
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StatusNotReady
	if s.state == StateReady && !s.closing {
		st = StatusReady
	}
	_, hasArtifact := s.reg.pairing.Artifact(s.generation)
	return Info{
		ID:               s.id,
		Generation:       s.generation,
		State:            s.state,
		Status:           st,
		CreatedAt:        s.createdAt,
		LastTransitionAt: s.lastTransitionAt,
		Reason:           s.reason,
		Failure:          s.failure,
		HasArtifact:      hasArtifact && s.state == StateAwaitingPairing,
		Closing:          s.closing,
	}
}

// Done is closed once the session has been torn down and removed.
func (s *Session) Done() <-chan struct{} { return s.torn }

// emit is the agent's event callback. It never blocks once the session has
// stopped accepting events.
func (s *Session) emit(ev transport.Event) {
	if ev.At.IsZero() {
		ev.At = s.reg.now()
	}
	select {
	case <-s.stop:
	case s.mailbox <- ev:
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.mailbox:
			s.apply(ev)
		}
	}
}

func (s *Session) apply(ev transport.Event) {
	teardown, failure := func() (bool, ErrorKind) {
		s.pubMu.Lock()
		defer s.pubMu.Unlock()

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return false, ""
		}
		from := s.state
		to, ok := transition(from, ev.Kind)
		if !ok {
			s.mu.Unlock()
			s.log.Debug("session.event.ignored", slog.String("event", string(ev.Kind)), slog.String("state", from.String()))
			return false, ""
		}
		if to == StateAwaitingPairing {
			s.state = to
			if _, err := s.reg.pairing.SetArtifact(s.generation, ev.Payload); err != nil {
				s.log.Error("session.pairing.render.fail", slog.String("err", err.Error()))
			}
		} else {
			s.reg.pairing.Clear(s.generation)
			s.state = to
		}
		s.lastTransitionAt = ev.At
		s.reason = ev.Reason
		if to == StateAuthFailed {
			s.failure = KindAuthFailure
		}
		failure := s.failure
		s.mu.Unlock()

		s.log.Info("session.transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("reason", ev.Reason),
		)
		s.publish(from.String(), to.String(), ev.Reason, failure, ev.At)

		switch to {
		case StateAuthFailed:
			return true, failure
		case StateDisconnected:
			return s.reg.policy == DisconnectRemove, failure
		}
		return false, ""
	}()

	if teardown {
		reason := ev.Reason
		if reason == "" {
			reason = string(ev.Kind)
		}
		s.reg.teardown(context.Background(), s, teardownRequest{reason: reason, failure: failure})
	}
}

// initialize runs the agent's Initialize. A failure is terminal.
func (s *Session) initialize() {
	ctx, cancel := context.WithTimeout(s.ctx, s.reg.initTimeout)
	defer cancel()

	err := safeCall(func() error { return s.agent.Initialize(ctx) })
	if err == nil {
		s.log.Debug("session.initialize.ok")
		return
	}
	if s.ctx.Err() != nil {
		// Torn down while initializing.
		return
	}
	s.log.Error("session.initialize.fail", slog.String("err", err.Error()))

	func() {
		s.pubMu.Lock()
		defer s.pubMu.Unlock()
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return
		}
		from := s.state
		now := s.reg.now()
		s.reg.pairing.Clear(s.generation)
		s.state = StateDisconnected
		s.lastTransitionAt = now
		s.reason = "initialize failed: " + err.Error()
		s.failure = KindTransportFailure
		reason := s.reason
		s.mu.Unlock()
		s.publish(from.String(), StateDisconnected.String(), reason, KindTransportFailure, now)
	}()

	s.reg.teardown(context.Background(), s, teardownRequest{reason: "initialize failed", failure: KindTransportFailure})
}

// publish must be called with pubMu held.
func (s *Session) publish(from, to, reason string, failure ErrorKind, at time.Time) {
	if s.reg.broker == nil {
		return
	}
	data, err := json.Marshal(Transition{
		ID:         s.id,
		Generation: s.generation,
		From:       from,
		To:         to,
		Reason:     reason,
		Failure:    failure,
		At:         at,
	})
	if err != nil {
		s.log.Error("session.publish.fail", slog.String("err", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.reg.publishTimeout)
	defer cancel()
	if _, err := s.reg.broker.Publish(ctx, s.id, data); err != nil {
		s.log.Warn("session.publish.fail", slog.String("to", to), slog.String("err", err.Error()))
	}
}
