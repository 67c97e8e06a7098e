package events

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	TypeJob      = "job"
	TypeProgress = "progress"
)

// Event is the payload published on job transitions and progress updates.
type Event struct {
	Type         string         `json:"type"`
	Queue        string         `json:"queueName,omitempty"`
	JobID        string         `json:"jobId,omitempty"`
	Status       string         `json:"status,omitempty"`
	AttemptsMade int            `json:"attemptsMade,omitempty"`
	Progress     map[string]any `json:"progress,omitempty"`
	At           time.Time      `json:"at"`
}

const (
	jobTopicPrefix      = "quay:jobs:"
	progressTopicPrefix = "quay:progress:"
)

// JobTopic names the per-queue job transition topic.
func JobTopic(queue string) string { return jobTopicPrefix + queue }

// ProgressTopic names the per-record progress topic.
func ProgressTopic(id string) string { return progressTopicPrefix + id }

// TopicKind maps a topic to the event type it carries, TypeJob or
// TypeProgress. Topics outside the quay namespace map to "".
func TopicKind(topic string) string {
	switch {
	case strings.HasPrefix(topic, jobTopicPrefix):
		return TypeJob
	case strings.HasPrefix(topic, progressTopicPrefix):
		return TypeProgress
	}
	return ""
}

// Bus fans payloads out to topic watchers.
type Bus interface {
	// Publish sends data to all watchers of topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Watch subscribes to topic. The returned channel receives payloads
	// until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, topic string) (chan []byte, error)
	// Unwatch stops delivering topic payloads to ch.
	Unwatch(ctx context.Context, topic string, ch chan []byte) error
}

// InMemoryBus is a single-process Bus. Watchers are tracked per topic in a
// set, so Unwatch costs the same no matter how many a topic has.
type InMemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string]map[chan []byte]struct{})}
}

// Publish implements Bus.Publish. Delivery is best effort: a watcher whose
// buffer is full misses the payload rather than stalling the publisher.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	chans := make([]chan []byte, 0, len(b.subs[topic]))
	for ch := range b.subs[topic] {
		chans = append(chans, ch)
	}
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch implements Bus.Watch.
func (b *InMemoryBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 1)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan []byte]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unwatch implements Bus.Unwatch. The channel is closed exactly once; a
// second Unwatch of the same channel is a no-op.
func (b *InMemoryBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic][ch]; !ok {
		return nil
	}
	delete(b.subs[topic], ch)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
	return nil
}
