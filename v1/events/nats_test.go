package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newTestNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	addr := os.Getenv("QUAY_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error
	if addr != "" {
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATSBus(conn)
}

func TestNATSBusPublishWatch(t *testing.T) {
	bus := newTestNATSBus(t)
	ctx := context.Background()

	ch, err := bus.Watch(ctx, "quay.jobs.sync")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "quay.jobs.sync", []byte(`{"type":"job"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != `{"type":"job"}` {
			t.Fatalf("unexpected payload: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
}

func TestNATSBusFanOut(t *testing.T) {
	bus := newTestNATSBus(t)
	ctx := context.Background()

	ch1, err := bus.Watch(ctx, "topic")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	ch2, err := bus.Watch(ctx, "topic")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "topic", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range []chan []byte{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("watcher %d never received", i)
		}
	}
}

func TestNATSBusUnwatchUnsubscribes(t *testing.T) {
	bus := newTestNATSBus(t)
	ctx := context.Background()

	ch, err := bus.Watch(ctx, "topic")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Unwatch(ctx, "topic", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close")
	}
	bus.mu.Lock()
	_, present := bus.subs["topic"]
	bus.mu.Unlock()
	if present {
		t.Fatal("subscription still present after unwatch")
	}
}

func TestNATSBusContextCancelUnwatches(t *testing.T) {
	bus := newTestNATSBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Watch(ctx, "topic")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close")
	}
}
