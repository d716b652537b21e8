// Package outbound correlates gateway-initiated JSON-RPC requests with the
// responses a bridge process writes back, independent of how bytes move.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/pairgate/internal/jsonrpc"
)

// CancelledMethod is the notification emitted when a caller abandons a request.
const CancelledMethod = "cancelled"

// Transport abstracts how requests and cancellations reach the peer.
type Transport interface {
	// SendRequest writes the request. The pending entry for id is registered
	// before SendRequest is invoked so a fast response is never missed.
	SendRequest(ctx context.Context, req *jsonrpc.Request) error
	// SendCancelled tells the peer the request with the given id was abandoned.
	SendCancelled(ctx context.Context, requestID string) error
}

// ErrDispatcherClosed indicates the dispatcher is closed.
var ErrDispatcherClosed = errors.New("dispatcher closed")

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher coordinates outbound JSON-RPC requests with correlation,
// cancellation, and response routing.
type Dispatcher struct {
	t Transport

	mu      sync.Mutex
	pending map[string]*pendingCall

	nextID atomic.Uint64

	closed   atomic.Bool
	closeErr error
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport) *Dispatcher {
	return &Dispatcher{t: t, pending: make(map[string]*pendingCall)}
}

// Call sends a JSON-RPC request and waits for a response or context cancellation.
// A response carrying a JSON-RPC error is returned as-is; use Response.Decode
// to surface it.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if d.closed.Load() {
		return nil, d.err()
	}

	id := jsonrpc.NewRequestID(d.nextID.Add(1))
	key := id.String()

	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = b
	}

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.err()
	}
	d.pending[key] = pc
	d.mu.Unlock()

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: paramsRaw, ID: id}
	if err := d.t.SendRequest(ctx, req); err != nil {
		d.forget(key)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		_ = d.t.SendCancelled(context.WithoutCancel(ctx), key)
		d.forget(key)
		return nil, ctx.Err()
	}
}

// OnResponse delivers an incoming response to a waiting call. Unmatched
// responses are ignored.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) {
	if resp == nil || resp.ID.IsNil() {
		return
	}
	key := resp.ID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
}

// Pending returns the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with err and prevents new calls.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

func (d *Dispatcher) forget(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

func (d *Dispatcher) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}
