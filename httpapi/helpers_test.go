package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/pairgate/qr"
	"github.com/ggoodman/pairgate/sessions"
	"github.com/ggoodman/pairgate/transport/transporttest"
)

type testServer struct {
	*httptest.Server
	reg     *sessions.Registry
	factory *transporttest.Factory
}

func fakeEncoder() qr.Encoder {
	return qr.EncoderFunc(func(payload string) (qr.Artifact, error) {
		return qr.Artifact{Payload: payload, PNG: []byte("png:" + payload), RenderedAt: time.Now()}, nil
	})
}

func failingEncoder() qr.Encoder {
	return qr.EncoderFunc(func(payload string) (qr.Artifact, error) {
		return qr.Artifact{}, errors.New("render failed")
	})
}

func newTestServer(t *testing.T, regOpts []sessions.Option, opts ...Option) *testServer {
	t.Helper()
	f := transporttest.NewFactory()
	reg, err := sessions.NewRegistry(f, append([]sessions.Option{sessions.WithEncoder(fakeEncoder())}, regOpts...)...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h, err := New(reg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})
	return &testServer{Server: srv, reg: reg, factory: f}
}

func (ts *testServer) do(t *testing.T, method, path string, body string, header map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func decodeJSON(t *testing.T, res *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// probeJSON issues a JSON probe for id and returns the decoded body.
func (ts *testServer) probeJSON(t *testing.T, id string) probeResponse {
	t.Helper()
	res := ts.do(t, http.MethodGet, "/qr/"+id, "", map[string]string{"Accept": "application/json"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("probe %q: status %d", id, res.StatusCode)
	}
	var body probeResponse
	decodeJSON(t, res, &body)
	return body
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

// agentFor returns the initialized agent of the session for id.
func (ts *testServer) agentFor(t *testing.T, id string) *transporttest.Agent {
	t.Helper()
	a := ts.factory.Latest(id)
	if a == nil {
		t.Fatalf("no agent created for %q", id)
	}
	if !a.WaitInitialized(2 * time.Second) {
		t.Fatalf("agent %q was never initialized", id)
	}
	return a
}

// readySession creates a Ready session for id through the probe route.
func (ts *testServer) readySession(t *testing.T, id string) *transporttest.Agent {
	t.Helper()
	if got := ts.probeJSON(t, id).Status; got != "generating" {
		t.Fatalf("expected generating, got %q", got)
	}
	a := ts.agentFor(t, id)
	a.EmitReady()
	waitFor(t, id+" ready", func() bool { return ts.reg.Status(id) == sessions.StatusReady })
	return a
}
