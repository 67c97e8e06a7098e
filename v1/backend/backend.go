package backend

import (
	"context"
	"fmt"
	"path/filepath"

	redis "github.com/redis/go-redis/v9"

	"github.com/quaylabs/go-quay/v1/events"
	"github.com/quaylabs/go-quay/v1/jobqueue"
	"github.com/quaylabs/go-quay/v1/lock"
	"github.com/quaylabs/go-quay/v1/progress"
)

// Backend bundles the three ports behind one selected implementation.
type Backend struct {
	Jobs     jobqueue.Queue
	Locks    lock.Locker
	Progress progress.Store

	client *redis.Client
	closer []func()
}

// OpenOption adjusts how Open wires the backend.
type OpenOption func(*openConfig)

type openConfig struct {
	bus       events.Bus
	queueOpts []jobqueue.Option
}

// WithBus publishes job transitions and progress updates on the given bus.
func WithBus(bus events.Bus) OpenOption {
	return func(o *openConfig) {
		o.bus = bus
	}
}

// WithQueueOptions appends extra options for the job queue construction.
func WithQueueOptions(opts ...jobqueue.Option) OpenOption {
	return func(o *openConfig) {
		o.queueOpts = append(o.queueOpts, opts...)
	}
}

// Open builds the Backend selected by cfg. The selection happens exactly
// once; there is no runtime re-selection.
func Open(cfg Config, opts ...OpenOption) (*Backend, error) {
	cfg = cfg.withDefaults()
	var oc openConfig
	for _, opt := range opts {
		opt(&oc)
	}
	queueOpts := append([]jobqueue.Option{
		jobqueue.WithPollInterval(cfg.PollInterval),
		jobqueue.WithDefaults(cfg.MaxAttempts, cfg.Backoff),
	}, oc.queueOpts...)
	if oc.bus != nil {
		queueOpts = append(queueOpts, jobqueue.WithBus(oc.bus))
	}

	switch cfg.QueueType {
	case Local:
		return openLocal(cfg, oc, queueOpts)
	case Redis:
		return openRedis(cfg, oc, queueOpts)
	default:
		return nil, fmt.Errorf("backend: unknown queue type %q", cfg.QueueType)
	}
}

func openLocal(cfg Config, oc openConfig, queueOpts []jobqueue.Option) (*Backend, error) {
	q, err := jobqueue.NewLocal(cfg.LocalPath, queueOpts...)
	if err != nil {
		return nil, err
	}
	var fileOpts []progress.FileOption
	if oc.bus != nil {
		fileOpts = append(fileOpts, progress.WithFileBus(oc.bus))
	}
	fs, err := progress.NewFile(filepath.Join(cfg.LocalPath, "progress"), cfg.ProgressTTL, fileOpts...)
	if err != nil {
		_ = q.Shutdown(context.Background())
		return nil, err
	}
	b := &Backend{
		Jobs:     q,
		Locks:    lock.NewInMemory(),
		Progress: fs,
		closer:   []func(){fs.Close},
	}
	if cfg.ProgressCache {
		cached, err := progress.NewCached(fs, cfg.ProgressTTL)
		if err != nil {
			_ = q.Shutdown(context.Background())
			fs.Close()
			return nil, err
		}
		b.Progress = cached
		b.closer = append(b.closer, cached.Close)
	}
	return b, nil
}

func openRedis(cfg Config, oc openConfig, queueOpts []jobqueue.Option) (*Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	})
	var redisOpts []progress.RedisOption
	if oc.bus != nil {
		redisOpts = append(redisOpts, progress.WithRedisBus(oc.bus))
	}
	b := &Backend{
		Jobs:     jobqueue.NewRedis(client, queueOpts...),
		Locks:    lock.NewRedis(client),
		Progress: progress.NewRedis(client, cfg.ProgressTTL, redisOpts...),
		client:   client,
	}
	if cfg.ProgressCache {
		cached, err := progress.NewCached(b.Progress, cfg.ProgressTTL)
		if err != nil {
			_ = b.Jobs.Shutdown(context.Background())
			_ = client.Close()
			return nil, err
		}
		b.Progress = cached
		b.closer = append(b.closer, cached.Close)
	}
	return b, nil
}

// Close shuts the queue down, stops background loops, and closes the Redis
// client when one was opened.
func (b *Backend) Close(ctx context.Context) error {
	err := b.Jobs.Shutdown(ctx)
	for _, fn := range b.closer {
		fn()
	}
	if b.client != nil {
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
