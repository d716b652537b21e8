package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Wrap(slog.NewJSONHandler(&buf, nil))).With(slog.String("component", "test"))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "GET", Path: "/qr/w"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "w", Generation: "g1", State: "ready"})
	ctx = WithPrincipal(ctx, &Principal{UserID: "operator"})
	log.InfoContext(ctx, "http.probe")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	req, _ := rec["req"].(map[string]any)
	if req["id"] != "r1" || req["path"] != "/qr/w" {
		t.Fatalf("missing req group: %v", rec)
	}
	sess, _ := rec["sess"].(map[string]any)
	if sess["id"] != "w" || sess["generation"] != "g1" || sess["state"] != "ready" {
		t.Fatalf("missing sess group: %v", rec)
	}
	if a, _ := rec["auth"].(map[string]any); a["user_id"] != "operator" {
		t.Fatalf("missing auth group: %v", rec)
	}
	if rec["component"] != "test" {
		t.Fatalf("WithAttrs lost the wrapper: %v", rec)
	}
}

func TestHandlerWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	slog.New(Wrap(slog.NewJSONHandler(&buf, nil))).Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	if _, ok := rec["req"]; ok {
		t.Fatalf("unexpected req group: %v", rec)
	}
}
