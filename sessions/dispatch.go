package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/pairgate/transport"
)

// Ack acknowledges that the transport accepted a message.
type Ack struct {
	MessageID transport.MessageID `json:"message_id,omitempty"`
	At        time.Time           `json:"at"`
}

// Send forwards body to address through the session for id. Validation runs
// in order: empty address or body is InvalidRequest, an unknown id is
// NotFound, and a session that is not Ready (or is being torn down) is
// NotReady. Otherwise exactly one forwarding attempt is made; any transport
// error, including the send timeout, is reported as TransportFailure.
func (r *Registry) Send(ctx context.Context, id, address, body string) (Ack, error) {
	if address == "" || body == "" {
		return Ack{}, newError(KindInvalidRequest, id, errors.New("number and message are required"))
	}
	s, ok := r.Lookup(id)
	if !ok {
		return Ack{}, newError(KindNotFound, id, nil)
	}
	return s.send(ctx, address, body)
}

func (s *Session) send(ctx context.Context, address, body string) (Ack, error) {
	s.handleMu.RLock()
	defer s.handleMu.RUnlock()

	if s.released {
		return Ack{}, newError(KindNotReady, s.id, nil)
	}
	s.mu.Lock()
	state, closing := s.state, s.closing
	s.mu.Unlock()
	if closing || state != StateReady {
		return Ack{}, newError(KindNotReady, s.id, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, s.reg.sendTimeout)
	defer cancel()

	var msgID transport.MessageID
	err := safeCall(func() error {
		var err error
		msgID, err = s.agent.SendMessage(ctx, address, body)
		return err
	})
	if err != nil {
		s.log.WarnContext(ctx, "session.send.fail", slog.String("err", err.Error()))
		return Ack{}, newError(KindTransportFailure, s.id, err)
	}
	s.log.DebugContext(ctx, "session.send.ok", slog.String("message_id", string(msgID)))
	return Ack{MessageID: msgID, At: s.reg.now()}, nil
}
