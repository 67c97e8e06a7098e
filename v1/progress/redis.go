package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/quaylabs/go-quay/v1/events"
)

// RedisStore keeps records as JSON values with native key TTLs, which makes
// Redis expiry authoritative; no sweep is needed.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
	bus    events.Bus
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisLogger sets the structured logger. The default is slog.Default().
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRedisBus publishes every Set and Update to the events side-channel.
func WithRedisBus(bus events.Bus) RedisOption {
	return func(s *RedisStore) {
		s.bus = bus
	}
}

// NewRedis returns a Redis-backed store. A non-positive ttl means DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &RedisStore{client: client, ttl: ttl, prefix: "quay:progress:", logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, id string, progress map[string]any) error {
	rec := Record{ID: id, Progress: progress, UpdatedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.key(id), data, s.ttl).Err(); err != nil {
		return err
	}
	publish(ctx, s.bus, &rec)
	return nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", id, err)
	}
	return &rec, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Update implements Store.Update. The merge keeps the record's remaining TTL.
func (s *RedisStore) Update(ctx context.Context, id string, fields map[string]any) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		s.logger.Warn("progress update for missing record", "id", id)
		return nil
	}
	rec.Progress = merged(rec.Progress, fields)
	rec.UpdatedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.key(id), data, redis.KeepTTL).Err(); err != nil {
		return err
	}
	publish(ctx, s.bus, rec)
	return nil
}
