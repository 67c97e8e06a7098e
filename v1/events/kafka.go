package events

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan []byte
}

// KafkaBus implements Bus using a Kafka backend. Each topic maps to a Kafka
// topic consumed from partition 0 at the newest offset.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	mu       sync.Mutex
	subs     map[string]*kafkaSubscription
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string, data []byte) error {
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(data)}
	_, _, err := b.producer.SendMessage(msg)
	return err
}

// Watch implements Bus.Watch.
func (b *KafkaBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	ch := make(chan []byte, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[topic] = sub
		go b.dispatch(sub, topic)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(sub *kafkaSubscription, topic string) {
	for msg := range sub.pc.Messages() {
		b.mu.Lock()
		cur := b.subs[topic]
		var chans []chan []byte
		if cur != nil {
			chans = append([]chan []byte(nil), cur.chans...)
		}
		b.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- msg.Value:
			default:
			}
		}
	}
}

// Unwatch implements Bus.Unwatch.
func (b *KafkaBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
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
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
