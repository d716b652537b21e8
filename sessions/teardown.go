package sessions

import (
	"context"
	"fmt"
	"log/slog"
)

type teardownRequest struct {
	// logout revokes the agent's pairing before it is destroyed.
	logout  bool
	reason  string
	failure ErrorKind
}

// Teardown logs out and releases the session for id and removes it from the
// registry. It always succeeds: Logout and Destroy failures are logged and
// swallowed. Concurrent calls converge on a single teardown; callers that
// did not start it wait for it to finish or for ctx to end.
func (r *Registry) Teardown(ctx context.Context, id string) {
	s, ok := r.Lookup(id)
	if !ok {
		return
	}
	r.teardown(ctx, s, teardownRequest{logout: true, reason: "logout requested"})
}

func (r *Registry) teardown(ctx context.Context, s *Session, req teardownRequest) {
	first := false
	s.teardownOnce.Do(func() { first = true })
	if !first {
		select {
		case <-s.torn:
		case <-ctx.Done():
		}
		return
	}

	started := r.now()
	s.mu.Lock()
	s.closing = true
	if s.reason == "" {
		s.reason = req.reason
	}
	if req.failure != "" && s.failure == "" {
		s.failure = req.failure
	}
	s.mu.Unlock()

	// Deregister the event callback and abort a pending Initialize.
	s.stopOnce.Do(func() { close(s.stop) })
	s.cancel()

	if req.logout {
		if err := r.boundedCall(ctx, s.agent.Logout); err != nil {
			s.log.WarnContext(ctx, "session.logout.fail", slog.String("err", err.Error()))
		}
	}

	// Waits for in-flight sends to drain. Destroy gets its own deadline,
	// started only once the handle is exclusively held.
	s.handleMu.Lock()
	if err := r.boundedCall(ctx, s.agent.Destroy); err != nil {
		s.log.WarnContext(ctx, "session.destroy.fail", slog.String("err", err.Error()))
	}
	s.released = true
	s.handleMu.Unlock()

	r.pairing.Clear(s.generation)
	removed := r.removeSession(s)

	s.mu.Lock()
	from, reason, failure := s.state, s.reason, s.failure
	s.mu.Unlock()

	s.pubMu.Lock()
	s.publish(from.String(), TransitionRemoved, reason, failure, r.now())
	s.pubMu.Unlock()

	s.log.InfoContext(ctx, "session.teardown",
		slog.String("reason", req.reason),
		slog.Bool("removed", removed),
		slog.Duration("took", r.now().Sub(started)),
	)
	close(s.torn)
}

// boundedCall runs fn under a fresh teardown deadline detached from ctx's
// cancellation.
func (r *Registry) boundedCall(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.teardownTimeout)
	defer cancel()
	return safeCall(func() error { return fn(cctx) })
}

// safeCall runs fn, converting a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
