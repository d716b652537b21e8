package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/pairgate/qr"
	"github.com/ggoodman/pairgate/transport/transporttest"
)

var errRender = errors.New("render failed")

func fakeEncoder() qr.Encoder {
	return qr.EncoderFunc(func(payload string) (qr.Artifact, error) {
		return qr.Artifact{Payload: payload, PNG: []byte("png:" + payload), RenderedAt: time.Now()}, nil
	})
}

func failingEncoder() qr.Encoder {
	return qr.EncoderFunc(func(payload string) (qr.Artifact, error) {
		return qr.Artifact{}, errRender
	})
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *transporttest.Factory) {
	t.Helper()
	f := transporttest.NewFactory()
	opts = append([]Option{WithEncoder(fakeEncoder())}, opts...)
	r, err := NewRegistry(f, opts...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r, f
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return s.State() == want })
}

func waitRemoved(t *testing.T, r *Registry, id string) {
	t.Helper()
	waitFor(t, "removal of "+id, func() bool {
		_, ok := r.Lookup(id)
		return !ok
	})
}

// create returns a new session and its agent once Initialize has returned.
func create(t *testing.T, r *Registry, f *transporttest.Factory, id string) (*Session, *transporttest.Agent) {
	t.Helper()
	s, created, err := r.GetOrCreate(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOrCreate(%q): %v", id, err)
	}
	if !created {
		t.Fatalf("GetOrCreate(%q): expected a new session", id)
	}
	a := f.Latest(id)
	if a == nil {
		t.Fatalf("no agent created for %q", id)
	}
	if !a.WaitInitialized(2 * time.Second) {
		t.Fatalf("agent %q was never initialized", id)
	}
	return s, a
}

func createReady(t *testing.T, r *Registry, f *transporttest.Factory, id string) (*Session, *transporttest.Agent) {
	t.Helper()
	s, a := create(t, r, f, id)
	a.EmitReady()
	waitState(t, s, StateReady)
	return s, a
}
