// Package bridge implements transport.Agent by supervising one child process
// per session. The child drives the browser-based messaging client and talks
// to the gateway using newline-delimited JSON-RPC 2.0 over its stdin and
// stdout. Anything the child writes to stderr is forwarded to the logger.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/pairgate/internal/jsonrpc"
	"github.com/ggoodman/pairgate/internal/outbound"
	"github.com/ggoodman/pairgate/transport"
)

var (
	ErrNotStarted     = errors.New("bridge: not started")
	ErrAlreadyStarted = errors.New("bridge: already started")
	ErrDestroyed      = errors.New("bridge: destroyed")
	ErrProcessExited  = errors.New("bridge: process exited")
)

// DefaultDestroyGrace is how long Destroy waits for a clean exit before
// killing the process.
const DefaultDestroyGrace = 5 * time.Second

const maxLineSize = 4 << 20

// Config describes how bridge processes are launched.
type Config struct {
	// Command is the executable to run. Required.
	Command string
	Args    []string
	// Env holds extra KEY=VALUE entries appended to the inherited environment.
	Env []string
	// DataDir is the root under which each session keeps its credentials.
	DataDir string
	// ExecutablePath points the bridge at a system browser.
	ExecutablePath string
	// BrowserArgs defaults to DefaultBrowserArgs.
	BrowserArgs []string
	// ProtocolTimeout defaults to DefaultProtocolTimeoutMillis.
	ProtocolTimeout time.Duration
	// DestroyGrace defaults to DefaultDestroyGrace.
	DestroyGrace time.Duration
	Logger       *slog.Logger
}

// Factory creates bridge agents. It implements transport.Factory.
type Factory struct {
	cfg Config
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Command == "" {
		return nil, errors.New("bridge: command is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.BrowserArgs == nil {
		cfg.BrowserArgs = DefaultBrowserArgs
	}
	if cfg.ProtocolTimeout <= 0 {
		cfg.ProtocolTimeout = DefaultProtocolTimeoutMillis * time.Millisecond
	}
	if cfg.DestroyGrace <= 0 {
		cfg.DestroyGrace = DefaultDestroyGrace
	}
	return &Factory{cfg: cfg}, nil
}

// NewAgent allocates an agent for id. The process is started by Initialize.
func (f *Factory) NewAgent(id string, emit transport.EmitFunc) (transport.Agent, error) {
	return &Agent{
		id:     id,
		cfg:    f.cfg,
		emit:   emit,
		log:    f.cfg.Logger.With(slog.String("bridge", id)),
		exited: make(chan struct{}),
	}, nil
}

// Agent is a transport.Agent backed by a child process.
type Agent struct {
	id   string
	cfg  Config
	emit transport.EmitFunc
	log  *slog.Logger

	mu      sync.Mutex
	started bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	disp    *outbound.Dispatcher

	writeMu   sync.Mutex
	destroyed atomic.Bool
	exited    chan struct{}
}

func (a *Agent) dataPath() string {
	if a.cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(a.cfg.DataDir, "session-"+a.id)
}

// Initialize starts the bridge process and sends the initialize request.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.destroyed.Load() {
		a.mu.Unlock()
		return ErrDestroyed
	}
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}

	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Env = append(os.Environ(), a.cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvSessionID+"="+a.id,
		EnvDataDir+"="+a.dataPath(),
	)
	if a.cfg.ExecutablePath != "" {
		cmd.Env = append(cmd.Env, EnvExecutablePath+"="+a.cfg.ExecutablePath)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("bridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("bridge: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("bridge: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("bridge: start %s: %w", a.cfg.Command, err)
	}

	a.started = true
	a.cmd = cmd
	a.stdin = stdin
	a.disp = outbound.New(a)
	a.mu.Unlock()

	a.log.InfoContext(ctx, "bridge.start", slog.Int("pid", cmd.Process.Pid))

	readDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() {
		defer close(readDone)
		a.readLoop(stdout)
	}()
	go func() {
		defer close(stderrDone)
		a.forwardStderr(stderr)
	}()
	go a.wait(readDone, stderrDone)

	params := InitializeParams{
		ClientID: a.id,
		DataPath: a.dataPath(),
		Puppeteer: PuppeteerOptions{
			Headless:        true,
			ExecutablePath:  a.cfg.ExecutablePath,
			Args:            a.cfg.BrowserArgs,
			ProtocolTimeout: a.cfg.ProtocolTimeout.Milliseconds(),
		},
	}
	resp, err := a.disp.Call(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("bridge: initialize: %w", err)
	}
	if err := resp.Decode(nil); err != nil {
		return fmt.Errorf("bridge: initialize: %w", err)
	}
	return nil
}

// SendMessage implements transport.Agent.
func (a *Agent) SendMessage(ctx context.Context, address, body string) (transport.MessageID, error) {
	disp, err := a.dispatcher()
	if err != nil {
		return "", err
	}
	resp, err := disp.Call(ctx, MethodSendMessage, SendMessageParams{To: address, Body: body})
	if err != nil {
		return "", err
	}
	var res SendMessageResult
	if err := resp.Decode(&res); err != nil {
		return "", err
	}
	return transport.MessageID(res.ID), nil
}

// Logout implements transport.Agent. It is a no-op if the process is not
// running.
func (a *Agent) Logout(ctx context.Context) error {
	disp, err := a.dispatcher()
	if err != nil {
		if errors.Is(err, ErrNotStarted) {
			return nil
		}
		return err
	}
	resp, err := disp.Call(ctx, MethodLogout, nil)
	if err != nil {
		return err
	}
	return resp.Decode(nil)
}

// Destroy asks the process to shut down, closes its stdin and kills it if it
// has not exited within the grace period.
func (a *Agent) Destroy(ctx context.Context) error {
	if !a.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	a.mu.Lock()
	started, disp, stdin, cmd := a.started, a.disp, a.stdin, a.cmd
	a.mu.Unlock()
	if !started {
		return nil
	}

	graceCtx, cancel := context.WithTimeout(ctx, a.cfg.DestroyGrace)
	defer cancel()

	select {
	case <-a.exited:
	default:
		if resp, err := disp.Call(graceCtx, MethodDestroy, nil); err == nil {
			if err := resp.Decode(nil); err != nil {
				a.log.WarnContext(ctx, "bridge.destroy.fail", slog.String("err", err.Error()))
			}
		}
	}
	a.writeMu.Lock()
	_ = stdin.Close()
	a.writeMu.Unlock()

	select {
	case <-a.exited:
		return nil
	case <-graceCtx.Done():
	}

	a.log.WarnContext(ctx, "bridge.kill", slog.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("bridge: kill: %w", err)
	}
	select {
	case <-a.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) dispatcher() (*outbound.Dispatcher, error) {
	if a.destroyed.Load() {
		return nil, ErrDestroyed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil, ErrNotStarted
	}
	return a.disp, nil
}

// SendRequest implements outbound.Transport.
func (a *Agent) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	return a.writeMessage(req)
}

// SendCancelled implements outbound.Transport.
func (a *Agent) SendCancelled(ctx context.Context, requestID string) error {
	n, err := jsonrpc.NewNotification(outbound.CancelledMethod, cancelledParams{RequestID: requestID})
	if err != nil {
		return err
	}
	return a.writeMessage(n)
}

func (a *Agent) writeMessage(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	select {
	case <-a.exited:
		return ErrProcessExited
	default:
	}
	if _, err := a.stdin.Write(b); err != nil {
		return fmt.Errorf("bridge: write: %w", err)
	}
	return nil
}

func (a *Agent) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			a.log.Warn("bridge.read.invalid", slog.String("err", err.Error()))
			continue
		}
		switch msg.Type() {
		case "response":
			a.disp.OnResponse(msg.AsResponse())
		case "notification":
			a.handleNotification(msg.AsRequest())
		case "request":
			resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
			if err := a.writeMessage(resp); err != nil {
				a.log.Warn("bridge.write.fail", slog.String("err", err.Error()))
			}
		}
	}
	if err := sc.Err(); err != nil {
		a.log.Warn("bridge.read.fail", slog.String("err", err.Error()))
	}
}

func (a *Agent) handleNotification(req *jsonrpc.Request) {
	var p notificationParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			a.log.Warn("bridge.notification.invalid", slog.String("method", req.Method), slog.String("err", err.Error()))
			return
		}
	}
	ev := transport.Event{At: time.Now(), Reason: p.Reason}
	switch req.Method {
	case NotifyPaired:
		ev.Kind = transport.EventPaired
		ev.Payload = p.QR
	case NotifyReady:
		ev.Kind = transport.EventReady
	case NotifyDisconnected:
		ev.Kind = transport.EventDisconnected
	case NotifyAuthFailed:
		ev.Kind = transport.EventAuthFailed
	default:
		a.log.Debug("bridge.notification.unknown", slog.String("method", req.Method))
		return
	}
	a.log.Debug("bridge.event", slog.String("kind", string(ev.Kind)))
	a.emit(ev)
}

func (a *Agent) forwardStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	for sc.Scan() {
		a.log.Debug("bridge.stderr", slog.String("line", sc.Text()))
	}
}

// wait reaps the process once its output is drained. An exit that Destroy
// did not ask for is reported as a disconnect.
func (a *Agent) wait(readDone, stderrDone <-chan struct{}) {
	<-readDone
	<-stderrDone
	err := a.cmd.Wait()

	a.writeMu.Lock()
	close(a.exited)
	a.writeMu.Unlock()

	cause := ErrProcessExited
	if err != nil {
		cause = fmt.Errorf("%w: %v", ErrProcessExited, err)
	}
	a.disp.Close(cause)

	if a.destroyed.Load() {
		a.log.Info("bridge.exit")
		return
	}
	reason := "bridge process exited"
	if err != nil {
		reason += ": " + err.Error()
	}
	a.log.Warn("bridge.exit.unexpected", slog.String("reason", reason))
	a.emit(transport.Event{Kind: transport.EventDisconnected, Reason: reason, At: time.Now()})
}

var _ transport.Factory = (*Factory)(nil)
var _ transport.Agent = (*Agent)(nil)
var _ outbound.Transport = (*Agent)(nil)
