// Package brokertest is a conformance suite for events.Broker implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/pairgate/events"
)

// BrokerFactory creates a new Broker instance for testing.
type BrokerFactory func(t *testing.T) events.Broker

// RunBrokerTests runs the complete Broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribeFuture", func(t *testing.T) { testPublishAndSubscribeFuture(t, factory) })
	t.Run("ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("OrderingPreserved", func(t *testing.T) { testOrderingPreserved(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
	t.Run("FanOutToAllSubscribers", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("InvalidLastEventID", func(t *testing.T) { testInvalidLastEventID(t, factory) })
}

// namespaceFor yields a namespace unique to the running test so shared
// backends do not see each other's entries.
func namespaceFor(t *testing.T, suffix string) string {
	return fmt.Sprintf("%s/%d/%s", strings.ReplaceAll(t.Name(), "/", "."), time.Now().UnixNano(), suffix)
}

type collector struct {
	mu   sync.Mutex
	envs []events.Envelope
	want int
	done chan struct{}
	once sync.Once
}

func newCollector(want int) *collector {
	return &collector{want: want, done: make(chan struct{})}
}

func (c *collector) handle(ctx context.Context, env events.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	n := len(c.envs)
	c.mu.Unlock()
	if n >= c.want {
		c.once.Do(func() { close(c.done) })
	}
	return nil
}

func (c *collector) wait(t *testing.T) []events.Envelope {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d envelopes", c.want)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Envelope(nil), c.envs...)
}

func subscribeAsync(ctx context.Context, b events.Broker, ns, last string, h events.Handler) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- b.Subscribe(ctx, ns, last, h) }()
	return errCh
}

func testPublishAndSubscribeFuture(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ns := namespaceFor(t, "w1")

	if _, err := b.Publish(ctx, ns, []byte("before")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c := newCollector(1)
	errCh := subscribeAsync(ctx, b, ns, "", c.handle)
	time.Sleep(100 * time.Millisecond)

	id, err := b.Publish(ctx, ns, []byte("after"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty event id")
	}

	got := c.wait(t)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned: %v", err)
	}
	if string(got[0].Data) != "after" || got[0].ID != id {
		t.Fatalf("expected only the future entry, got %q (%s)", got[0].Data, got[0].ID)
	}
}

func testResumeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ns := namespaceFor(t, "w1")

	first, err := b.Publish(ctx, ns, []byte("one"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, ns, []byte("two")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, ns, []byte("three")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c := newCollector(2)
	errCh := subscribeAsync(ctx, b, ns, first, c.handle)
	got := c.wait(t)
	cancel()
	<-errCh

	if string(got[0].Data) != "two" || string(got[1].Data) != "three" {
		t.Fatalf("expected replay of [two three], got [%s %s]", got[0].Data, got[1].Data)
	}
}

func testOrderingPreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ns := namespaceFor(t, "w1")

	const n = 25
	c := newCollector(n)
	errCh := subscribeAsync(ctx, b, ns, "", c.handle)
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < n; i++ {
		if _, err := b.Publish(ctx, ns, []byte(fmt.Sprintf("%02d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	got := c.wait(t)
	cancel()
	<-errCh

	for i := 0; i < n; i++ {
		if want := fmt.Sprintf("%02d", i); string(got[i].Data) != want {
			t.Fatalf("entry %d: want %s got %s", i, want, got[i].Data)
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nsA := namespaceFor(t, "a")
	nsB := namespaceFor(t, "b")

	c := newCollector(1)
	errCh := subscribeAsync(ctx, b, nsA, "", c.handle)
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, nsB, []byte("for-b")); err != nil {
		t.Fatalf("publish b: %v", err)
	}
	if _, err := b.Publish(ctx, nsA, []byte("for-a")); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	got := c.wait(t)
	cancel()
	<-errCh

	for _, env := range got {
		if string(env.Data) == "for-b" {
			t.Fatalf("namespace a observed an entry published to b")
		}
	}
}

func testContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	ns := namespaceFor(t, "w1")

	errCh := subscribeAsync(ctx, b, ns, "", func(context.Context, events.Envelope) error { return nil })
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop after cancellation")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ns := namespaceFor(t, "w1")

	stop := errors.New("stop")
	errCh := subscribeAsync(ctx, b, ns, "", func(context.Context, events.Envelope) error { return stop })
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, ns, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, stop) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop after handler error")
	}
}

func testFanOut(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ns := namespaceFor(t, "w1")

	c1 := newCollector(2)
	c2 := newCollector(2)
	e1 := subscribeAsync(ctx, b, ns, "", c1.handle)
	e2 := subscribeAsync(ctx, b, ns, "", c2.handle)
	time.Sleep(100 * time.Millisecond)

	for _, s := range []string{"ready", "disconnected"} {
		if _, err := b.Publish(ctx, ns, []byte(s)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	g1 := c1.wait(t)
	g2 := c2.wait(t)
	cancel()
	<-e1
	<-e2

	if g1[0].ID != g2[0].ID || g1[1].ID != g2[1].ID {
		t.Fatalf("subscribers observed different logs")
	}
}

func testInvalidLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ns := namespaceFor(t, "w1")

	err := b.Subscribe(ctx, ns, "abc", func(context.Context, events.Envelope) error { return nil })
	if !errors.Is(err, events.ErrInvalidEventID) {
		t.Fatalf("expected ErrInvalidEventID, got %v", err)
	}
}
