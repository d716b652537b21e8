// Package transporttest provides a scriptable in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/pairgate/transport"
)

// ErrDestroyed is returned by operations invoked on a destroyed Agent.
var ErrDestroyed = errors.New("transporttest: agent destroyed")

// SentMessage records a forwarded message.
type SentMessage struct {
	Address string
	Body    string
}

// Agent is a fake transport.Agent. Tests drive its lifecycle by calling the
// Emit* helpers and inject failures through the exported fields before the
// agent is used.
type Agent struct {
	id   string
	emit transport.EmitFunc

	// InitializeErr, SendErr, LogoutErr and DestroyErr are returned by the
	// corresponding operations when non-nil.
	InitializeErr error
	SendErr       error
	LogoutErr     error
	DestroyErr    error
	// SendDelay blocks SendMessage for the given duration or until ctx ends.
	SendDelay time.Duration
	// OnInitialize, when set, runs inside Initialize after the call is
	// recorded. It may emit events.
	OnInitialize func(a *Agent)

	mu          sync.Mutex
	sent        []SentMessage
	initialized atomic.Int32
	logouts     atomic.Int32
	destroys    atomic.Int32
	inflight    atomic.Int32
	destroyed   atomic.Bool
	tornMidSend atomic.Bool
	initDone    chan struct{}
	initOnce    sync.Once
}

func newAgent(id string, emit transport.EmitFunc) *Agent {
	return &Agent{id: id, emit: emit, initDone: make(chan struct{})}
}

// ID returns the identifier the agent was created for.
func (a *Agent) ID() string { return a.id }

// Initialize implements transport.Agent.
func (a *Agent) Initialize(ctx context.Context) error {
	a.initialized.Add(1)
	defer a.initOnce.Do(func() { close(a.initDone) })
	if a.InitializeErr != nil {
		return a.InitializeErr
	}
	if a.OnInitialize != nil {
		a.OnInitialize(a)
	}
	return nil
}

// SendMessage implements transport.Agent.
func (a *Agent) SendMessage(ctx context.Context, address, body string) (transport.MessageID, error) {
	if a.destroyed.Load() {
		return "", ErrDestroyed
	}
	a.inflight.Add(1)
	defer a.inflight.Add(-1)
	if a.SendDelay > 0 {
		select {
		case <-time.After(a.SendDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if a.destroyed.Load() {
		a.tornMidSend.Store(true)
		return "", ErrDestroyed
	}
	if a.SendErr != nil {
		return "", a.SendErr
	}
	a.mu.Lock()
	a.sent = append(a.sent, SentMessage{Address: address, Body: body})
	n := len(a.sent)
	a.mu.Unlock()
	return transport.MessageID(a.id + "-" + strconv.Itoa(n)), nil
}

// Logout implements transport.Agent.
func (a *Agent) Logout(ctx context.Context) error {
	a.logouts.Add(1)
	return a.LogoutErr
}

// Destroy implements transport.Agent.
func (a *Agent) Destroy(ctx context.Context) error {
	a.destroys.Add(1)
	if a.inflight.Load() > 0 {
		a.tornMidSend.Store(true)
	}
	a.destroyed.Store(true)
	return a.DestroyErr
}

// EmitPaired emits a paired event with payload.
func (a *Agent) EmitPaired(payload string) {
	a.emit(transport.Event{Kind: transport.EventPaired, Payload: payload, At: time.Now()})
}

// EmitReady emits a ready event.
func (a *Agent) EmitReady() {
	a.emit(transport.Event{Kind: transport.EventReady, At: time.Now()})
}

// EmitDisconnected emits a disconnected event.
func (a *Agent) EmitDisconnected(reason string) {
	a.emit(transport.Event{Kind: transport.EventDisconnected, Reason: reason, At: time.Now()})
}

// EmitAuthFailed emits an auth_failed event.
func (a *Agent) EmitAuthFailed(reason string) {
	a.emit(transport.Event{Kind: transport.EventAuthFailed, Reason: reason, At: time.Now()})
}

// WaitInitialized blocks until Initialize has returned once or the timeout elapses.
func (a *Agent) WaitInitialized(timeout time.Duration) bool {
	select {
	case <-a.initDone:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Sent returns a copy of the forwarded messages.
func (a *Agent) Sent() []SentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentMessage(nil), a.sent...)
}

// Initializes returns how many times Initialize was called.
func (a *Agent) Initializes() int { return int(a.initialized.Load()) }

// Logouts returns how many times Logout was called.
func (a *Agent) Logouts() int { return int(a.logouts.Load()) }

// Destroys returns how many times Destroy was called.
func (a *Agent) Destroys() int { return int(a.destroys.Load()) }

// Destroyed reports whether Destroy was called.
func (a *Agent) Destroyed() bool { return a.destroyed.Load() }

// InFlight returns the number of SendMessage calls currently running.
func (a *Agent) InFlight() int { return int(a.inflight.Load()) }

// TornMidSend reports whether Destroy ever ran while a send was in flight.
func (a *Agent) TornMidSend() bool { return a.tornMidSend.Load() }

// Factory is a transport.Factory producing fake Agents. It records every
// agent it creates so tests can count handles per identifier.
type Factory struct {
	// Configure, when set, is applied to each new agent before it is returned.
	Configure func(a *Agent)
	// Err, when set, makes NewAgent fail.
	Err error

	mu     sync.Mutex
	agents map[string][]*Agent
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{agents: make(map[string][]*Agent)}
}

// NewAgent implements transport.Factory.
func (f *Factory) NewAgent(id string, emit transport.EmitFunc) (transport.Agent, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	a := newAgent(id, emit)
	if f.Configure != nil {
		f.Configure(a)
	}
	f.mu.Lock()
	f.agents[id] = append(f.agents[id], a)
	f.mu.Unlock()
	return a, nil
}

// Agents returns every agent created for id, oldest first.
func (f *Factory) Agents(id string) []*Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Agent(nil), f.agents[id]...)
}

// Latest returns the most recent agent created for id, or nil.
func (f *Factory) Latest(id string) *Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.agents[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Count returns the number of agents created for id.
func (f *Factory) Count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.agents[id])
}

var _ transport.Factory = (*Factory)(nil)
var _ transport.Agent = (*Agent)(nil)
