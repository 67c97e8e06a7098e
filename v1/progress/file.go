package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quaylabs/go-quay/v1/events"
)

const defaultSweepInterval = time.Minute

// FileStore keeps one JSON file per record under its directory. Expiry is
// file mtime plus TTL: Get checks lazily and deletes on read, and a
// background sweeper bounds disk growth for records nobody reads again.
type FileStore struct {
	dir    string
	ttl    time.Duration
	logger *slog.Logger
	bus    events.Bus

	sweepInterval time.Duration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileLogger sets the structured logger. The default is slog.Default().
func WithFileLogger(l *slog.Logger) FileOption {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSweepInterval sets the interval at which expired records are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval(d time.Duration) FileOption {
	return func(s *FileStore) {
		s.sweepInterval = d
	}
}

// WithFileBus publishes every Set and Update to the events side-channel.
func WithFileBus(bus events.Bus) FileOption {
	return func(s *FileStore) {
		s.bus = bus
	}
}

// NewFile returns a file-backed store rooted at dir. A non-positive ttl means
// DefaultTTL.
func NewFile(dir string, ttl time.Duration, opts ...FileOption) (*FileStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create progress dir %s: %w", dir, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		dir:           dir,
		ttl:           ttl,
		logger:        slog.Default(),
		sweepInterval: defaultSweepInterval,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweeper(ctx)
	}
	return s, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Set implements Store.Set.
func (s *FileStore) Set(ctx context.Context, id string, progress map[string]any) error {
	rec := Record{ID: id, Progress: progress, UpdatedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress %s: %w", id, err)
	}
	if err := os.WriteFile(s.path(id), data, 0o644); err != nil {
		return fmt.Errorf("write progress %s: %w", id, err)
	}
	publish(ctx, s.bus, &rec)
	return nil
}

// Get implements Store.Get. Expired records are deleted on read.
func (s *FileStore) Get(ctx context.Context, id string) (*Record, error) {
	path := s.path(id)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat progress %s: %w", id, err)
	}
	if time.Since(info.ModTime()) > s.ttl {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("expire progress %s: %w", id, err)
		}
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read progress %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", id, err)
	}
	return &rec, nil
}

// Delete implements Store.Delete.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete progress %s: %w", id, err)
	}
	return nil
}

// Update implements Store.Update.
func (s *FileStore) Update(ctx context.Context, id string, fields map[string]any) error {
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
	if err := os.WriteFile(s.path(id), data, 0o644); err != nil {
		return fmt.Errorf("write progress %s: %w", id, err)
	}
	publish(ctx, s.bus, rec)
	return nil
}

// Close stops the background sweeper.
func (s *FileStore) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *FileStore) sweeper(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (s *FileStore) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("progress sweep", "error", err)
		return
	}
	cutoff := time.Now().Add(-s.ttl)
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, ent.Name())); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("progress sweep", "file", ent.Name(), "error", err)
		}
	}
}
