package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/pairgate/events"
	"github.com/ggoodman/pairgate/internal/logctx"
)

// lockedWriteFlusher serializes writes from the event subscription and the
// heartbeat onto one response.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher

	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Flusher.Flush()
}

// writeFrame writes p and flushes it as one unit. Nothing is written once
// the stream's context has ended.
func (l *lockedWriteFlusher) writeFrame(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return err
	}
	if _, err := l.Writer.Write(p); err != nil {
		return err
	}
	l.Flusher.Flush()
	return nil
}

// writeSSEEvent writes one Server-Sent Event carrying payload.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	var frame []byte
	if eventID != "" {
		frame = fmt.Appendf(frame, "id: %s\n", eventID)
	}
	frame = append(frame, "event: transition\ndata: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	if err := wf.writeFrame(frame); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	return nil
}

// writeSSEComment writes a comment line, ignored by clients.
func writeSSEComment(wf *lockedWriteFlusher, text string) error {
	return wf.writeFrame([]byte(": " + text + "\n\n"))
}

// handleEvents streams the lifecycle transitions of one session identifier.
// Transitions of every generation of the identifier share one stream, so a
// client observes a session being removed and replaced.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.PathValue("id")
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{SessionID: id})

	if h.broker == nil {
		writeJSONError(w, http.StatusNotFound, "not_enabled", "lifecycle events are not enabled")
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "not_acceptable", "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.events.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	var heartbeat sync.WaitGroup
	defer func() {
		cancel()
		heartbeat.Wait()
	}()
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	lastEventID := r.Header.Get(lastEventIDHeader)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	heartbeat.Add(1)
	go func() {
		defer heartbeat.Done()
		t := time.NewTicker(h.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.streamsDone:
				cancel()
				return
			case <-t.C:
				if err := writeSSEComment(wf, "ping"); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err := h.broker.Subscribe(ctx, id, lastEventID, func(cbCtx context.Context, env events.Envelope) error {
		if err := writeSSEEvent(wf, env.ID, env.Data); err != nil {
			h.log.WarnContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("event_id", env.ID))
		return nil
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, events.ErrInvalidEventID):
		_ = writeSSEComment(wf, "unknown Last-Event-ID")
		h.log.InfoContext(ctx, "sse.stream.invalid_last_event_id")
	default:
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}
