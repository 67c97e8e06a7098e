package events

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis pub/sub, matching the shared deployments
// that run the Redis queue backend.
type RedisBus struct {
	client  *redis.Client
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	return b.client.Publish(ctx, topic, data).Err()
}

// Watch implements Bus.Watch.
func (b *RedisBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 1)

	ps := b.client.Subscribe(ctx, topic)
	// Force the subscription to be established before returning so a
	// Publish immediately after Watch is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, err
	}

	b.mu.Lock()
	m := b.cancels[topic]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[topic] = m
	}
	m[ch] = func() {
		cancel()
		_ = ps.Close()
	}
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch implements Bus.Unwatch.
func (b *RedisBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	if m, ok := b.cancels[topic]; ok {
		if cancel, ok := m[ch]; ok {
			delete(m, ch)
			if len(m) == 0 {
				delete(b.cancels, topic)
			}
			b.mu.Unlock()
			cancel()
			return nil
		}
	}
	b.mu.Unlock()
	return nil
}
