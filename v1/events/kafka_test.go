package events

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
)

func newTestKafkaBus(t *testing.T) *KafkaBus {
	t.Helper()
	addr := os.Getenv("QUAY_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("QUAY_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	bus, err := NewKafkaBus([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestKafkaBusPublishWatch(t *testing.T) {
	bus := newTestKafkaBus(t)
	ctx := context.Background()

	ch, err := bus.Watch(ctx, "quay-jobs-sync")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	// The partition consumer starts at the newest offset; give it a moment
	// before producing.
	time.Sleep(500 * time.Millisecond)

	if err := bus.Publish(ctx, "quay-jobs-sync", []byte(`{"type":"job"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != `{"type":"job"}` {
			t.Fatalf("unexpected payload: %s", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
}

func TestKafkaBusUnwatch(t *testing.T) {
	bus := newTestKafkaBus(t)
	ctx := context.Background()

	ch, err := bus.Watch(ctx, "quay-jobs-unwatch")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Unwatch(ctx, "quay-jobs-unwatch", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close")
	}
}
