// Package httpapi exposes the session registry over HTTP.
//
// Routes
//
//	GET  /qr/{id}        probe a session, creating it when absent
//	GET  /status/{id}    not_initialized | not_ready | ready
//	POST /send/{id}      forward {"number","message"} through a ready session
//	POST /logout/{id}    tear a session down (always succeeds)
//	GET  /health         static acknowledgement
//	GET  /events/{id}    lifecycle transitions as Server-Sent Events
//	GET  /sessions       snapshot of every session
//	GET  /schemas/send   JSON Schema of the send request body
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/ggoodman/pairgate/auth"
	"github.com/ggoodman/pairgate/events"
	"github.com/ggoodman/pairgate/internal/logctx"
	"github.com/ggoodman/pairgate/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	htmlMediaType         = contenttype.NewMediaType("text/html")
	pngMediaType          = contenttype.NewMediaType("image/png")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	probeMediaTypes       = []contenttype.MediaType{htmlMediaType, jsonMediaType, pngMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader     = "Last-Event-ID"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	requestIDHeader       = "X-Request-Id"

	defaultRealm     = "pairgate"
	defaultHeartbeat = 25 * time.Second
	maxSendBodyBytes = 1 << 20
)

// SendRequest is the body of POST /send/{id}.
type SendRequest struct {
	Number  string `json:"number" jsonschema:"minLength=1,description=Destination address in the transport's format,title=Number"`
	Message string `json:"message" jsonschema:"minLength=1,description=Text body of the message,title=Message"`
}

// Handler serves the gateway's HTTP surface.
type Handler struct {
	log            *slog.Logger
	reg            *sessions.Registry
	broker         events.Broker
	auth           auth.Authenticator
	requiredScopes []string
	realm          string
	cors           *corsPolicy
	limiter        *sendLimiter
	heartbeat      time.Duration
	sendSchema     []byte

	mux     *http.ServeMux
	handler http.Handler

	streamsDone chan struct{}
	closeOnce   sync.Once
}

// New constructs a Handler serving reg.
func New(reg *sessions.Registry, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, errors.New("session registry is required")
	}

	cfg := &newConfig{
		logger:    slog.New(slog.DiscardHandler),
		realm:     defaultRealm,
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	schema, err := reflectSchema(&SendRequest{})
	if err != nil {
		return nil, fmt.Errorf("reflect send schema: %w", err)
	}

	h := &Handler{
		log:            slog.New(logctx.Wrap(cfg.logger.Handler())),
		reg:            reg,
		broker:         cfg.broker,
		auth:           cfg.authenticator,
		requiredScopes: cfg.requiredScopes,
		realm:          cfg.realm,
		cors:           newCORSPolicy(cfg.origins),
		limiter:        newSendLimiter(cfg.sendLimit, cfg.sendBurst),
		heartbeat:      cfg.heartbeat,
		sendSchema:     schema,
		streamsDone:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /qr/{id}", h.handleProbe)
	mux.HandleFunc("GET /status/{id}", h.handleStatus)
	mux.HandleFunc("POST /send/{id}", h.handleSend)
	mux.HandleFunc("POST /logout/{id}", h.handleLogout)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /events/{id}", h.handleEvents)
	mux.HandleFunc("GET /sessions", h.handleSessions)
	mux.HandleFunc("GET /schemas/send", h.handleSendSchema)
	h.mux = mux
	h.handler = h.cors.wrap(h.requireAuth(mux))
	return h, nil
}

// CloseStreams ends every open event stream. Register it with
// http.Server.RegisterOnShutdown so Shutdown does not wait on them.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set(requestIDHeader, reqID)
	h.handler.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// probeResponse is the JSON rendering of a probe.
type probeResponse struct {
	Status string `json:"status"`
	QR     string `json:"qr,omitempty"`
	// Raw carries the unrendered pairing payload when rendering failed.
	Raw string `json:"raw,omitempty"`
}

func (h *Handler) handleProbe(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	id := r.PathValue("id")
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	mt, _, err := contenttype.GetAcceptableMediaType(r, probeMediaTypes)
	if err != nil {
		mt = htmlMediaType
	}

	res, err := h.reg.Probe(ctx, id)
	if err != nil {
		if errors.Is(err, sessions.ErrRegistryClosed) {
			writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down")
			h.log.WarnContext(ctx, "http.probe.closed")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, string(sessions.KindTransportFailure), "failed to create session")
		h.log.ErrorContext(ctx, "http.probe.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Generation: res.Session.Generation(), State: res.Session.State().String()})

	status := res.Outcome.String()
	hasImage := res.Outcome == sessions.ProbeArtifact && !res.Artifact.Empty()

	switch {
	case mt.Matches(jsonMediaType):
		body := probeResponse{Status: status}
		if hasImage {
			body.QR = res.Artifact.DataURL()
		} else if res.Outcome == sessions.ProbeArtifact {
			body.Raw = res.Artifact.Payload
		}
		writeJSON(w, http.StatusOK, body)
	case mt.Matches(pngMediaType):
		if !hasImage {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(status))
			break
		}
		w.Header().Set("Content-Type", pngMediaType.String())
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Artifact.PNG)
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		switch {
		case hasImage:
			_, _ = fmt.Fprintf(w, `<img src="%s" alt="%s">`, res.Artifact.DataURL(), html.EscapeString(id))
		case res.Outcome == sessions.ProbeArtifact:
			_, _ = fmt.Fprintf(w, "<pre>%s</pre>", html.EscapeString(res.Artifact.Payload))
		default:
			_, _ = w.Write([]byte(html.EscapeString(status)))
		}
	}
	h.log.InfoContext(ctx, "http.probe.ok", slog.String("outcome", status), slog.String("media_type", mt.String()), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]sessions.Status{"status": h.reg.Status(id)})
}

// sendResponse acknowledges a forwarded message.
type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.PathValue("id")
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{SessionID: id})
	h.log.InfoContext(ctx, "http.send.start")

	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, err := contenttype.GetMediaType(r)
		if err != nil || !mt.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, string(sessions.KindInvalidRequest), "content-type must be application/json")
			h.log.WarnContext(ctx, "content_type.unsupported")
			return
		}
	}

	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(sessions.KindInvalidRequest), "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	if !h.limiter.allow(id) {
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many messages for this session")
		h.log.WarnContext(ctx, "http.send.throttled")
		return
	}

	ack, err := h.reg.Send(ctx, id, req.Number, req.Message)
	if err != nil {
		kind, _ := sessions.KindOf(err)
		status := statusForKind(kind)
		writeJSONError(w, status, string(kind), err.Error())
		if status >= http.StatusInternalServerError {
			h.log.ErrorContext(ctx, "http.send.fail", slog.String("kind", string(kind)), slog.String("err", err.Error()))
		} else {
			h.log.InfoContext(ctx, "http.send.reject", slog.String("kind", string(kind)))
		}
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{Success: true, MessageID: string(ack.MessageID)})
	h.log.InfoContext(ctx, "http.send.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{SessionID: id})
	h.reg.Teardown(ctx, id)
	h.limiter.forget(id)
	writeJSON(w, http.StatusOK, sendResponse{Success: true})
	h.log.InfoContext(ctx, "http.logout.ok")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]sessions.Info{"sessions": h.reg.Snapshot()})
}

func (h *Handler) handleSendSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.sendSchema)
}

// statusForKind maps a failure kind onto the HTTP status reported to callers.
func statusForKind(k sessions.ErrorKind) int {
	switch k {
	case sessions.KindInvalidRequest, sessions.KindNotFound, sessions.KindNotReady:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func reflectSchema(v any) ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	return json.Marshal(r.Reflect(v))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError emits {"success":false,"error":{"code":<code>,"message":<msg>}}.
// Safe to call after some headers are set but before the status is written.
func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": msg},
	})
}
