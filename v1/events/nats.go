package events

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan []byte
}

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*natsSubscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string, data []byte) error {
	return b.conn.Publish(topic, data)
}

// Watch implements Bus.Watch.
func (b *NATSBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	ch := make(chan []byte, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		ns, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
			b.mu.Lock()
			cur := b.subs[topic]
			var chans []chan []byte
			if cur != nil {
				chans = append([]chan []byte(nil), cur.chans...)
			}
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- msg.Data:
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[topic] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unwatch implements Bus.Unwatch.
func (b *NATSBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, topic)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}
