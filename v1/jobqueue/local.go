package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quaylabs/go-quay/v1/metrics"
)

const defaultRetention = 7 * 24 * time.Hour

// statusDirs are the five per-queue buckets. Each job is exactly one JSON
// file living in exactly one of them, except during the brief write-then-
// delete window of a move.
var statusDirs = []string{
	string(StatusWaiting),
	string(StatusActive),
	string(StatusCompleted),
	string(StatusFailed),
	string(StatusDelayed),
}

// LocalQueue is the single-node filesystem backend. Layout:
//
//	{base}/{queue}/{waiting|active|completed|failed|delayed}/{jobId}.json
//
// Every transition writes the job file into the destination directory first
// and deletes the source file second. A crash between the two steps leaves
// the job visible in both places; recovery treats the duplicate as already
// handled, so the worst case is one extra execution, never a lost job.
type LocalQueue struct {
	*engine
}

// NewLocal opens (or creates) the queue tree rooted at base and recovers any
// jobs a previous process left in active buckets before returning.
func NewLocal(base string, opts ...Option) (*LocalQueue, error) {
	if base == "" {
		base = "queue"
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create queue root %s: %w", base, err)
	}
	st := &localStore{base: base, retention: defaultRetention, logger: slog.Default()}
	e := newEngine(st, opts...)
	st.logger = e.logger
	q := &LocalQueue{engine: e}
	if err := st.recover(context.Background()); err != nil {
		_ = e.Shutdown(context.Background())
		return nil, err
	}
	return q, nil
}

// WithRetention bounds how long completed and failed records are kept before
// the maintenance sweep deletes them. The default is 7 days.
func WithRetention(d time.Duration) Option {
	return func(e *engine) {
		if st, ok := e.store.(*localStore); ok && d > 0 {
			st.retention = d
		}
	}
}

// localStore serializes all bucket mutations behind one mutex: dispatch
// goroutines finish their own jobs while the polling goroutine claims and
// promotes, and an unguarded read-modify-write pair could re-create a job
// file in a bucket it just left.
type localStore struct {
	base      string
	retention time.Duration
	logger    *slog.Logger

	mu sync.Mutex
}

func (s *localStore) queueDir(queue string) string {
	return filepath.Join(s.base, queue)
}

func (s *localStore) statusDir(queue string, status Status) string {
	return filepath.Join(s.base, queue, string(status))
}

func (s *localStore) jobPath(queue string, status Status, id string) string {
	return filepath.Join(s.base, queue, string(status), id+".json")
}

func (s *localStore) ensureQueue(queue string) error {
	for _, d := range statusDirs {
		if err := os.MkdirAll(filepath.Join(s.base, queue, d), 0o755); err != nil {
			return fmt.Errorf("create queue dir: %w", err)
		}
	}
	return nil
}

func (s *localStore) writeEnvelope(path string, env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", env.Job.ID, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write job file: %w", err)
	}
	return nil
}

func (s *localStore) readEnvelope(path string) (*envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode job file %s: %w", path, err)
	}
	return &env, nil
}

// move writes the envelope into the destination bucket, then deletes the
// source file. ENOENT on the delete means another pass already handled it.
func (s *localStore) move(env *envelope, from, to Status) error {
	if err := s.writeEnvelope(s.jobPath(env.Job.Queue, to, env.Job.ID), env); err != nil {
		return err
	}
	if err := os.Remove(s.jobPath(env.Job.Queue, from, env.Job.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job file: %w", err)
	}
	return nil
}

func (s *localStore) createJob(ctx context.Context, env *envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureQueue(env.Job.Queue); err != nil {
		return err
	}
	if _, _, err := s.find(env.Job.Queue, env.Job.ID); err == nil {
		return errJobExists
	}
	return s.writeEnvelope(s.jobPath(env.Job.Queue, env.Job.Status, env.Job.ID), env)
}

// find locates the job's current bucket.
func (s *localStore) find(queue, id string) (*envelope, Status, error) {
	for _, st := range allStatuses {
		env, err := s.readEnvelope(s.jobPath(queue, st, id))
		if err == nil {
			return env, st, nil
		}
		if !os.IsNotExist(err) {
			return nil, "", err
		}
	}
	return nil, "", ErrJobNotFound
}

// getJob holds the mutex so the bucket scan cannot race a move's
// write-then-delete window and miss a job that exists.
func (s *localStore) getJob(ctx context.Context, queue, id string) (*envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, _, err := s.find(queue, id)
	return env, err
}

func (s *localStore) removeJob(ctx context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, st, err := s.find(queue, id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.jobPath(queue, st, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job file: %w", err)
	}
	return nil
}

// listIDs returns the bucket's job IDs in lexical (creation) order.
func (s *localStore) listIDs(queue string, status Status) ([]string, error) {
	entries, err := os.ReadDir(s.statusDir(queue, status))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s/%s: %w", queue, status, err)
	}
	ids := make([]string, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *localStore) countByStatus(ctx context.Context, queue string, status Status) (int, error) {
	ids, err := s.listIDs(queue, status)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *localStore) listByStatus(ctx context.Context, queue string, status Status, limit int) ([]*envelope, error) {
	ids, err := s.listIDs(queue, status)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	envs := make([]*envelope, 0, len(ids))
	for _, id := range ids {
		env, err := s.readEnvelope(s.jobPath(queue, status, id))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (s *localStore) promoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.listIDs(queue, StatusDelayed)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		env, err := s.readEnvelope(s.jobPath(queue, StatusDelayed, id))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return promoted, err
		}
		if env.ScheduledAt != nil && env.ScheduledAt.After(now) {
			continue
		}
		env.ScheduledAt = nil
		env.Job.Status = StatusWaiting
		if err := s.move(env, StatusDelayed, StatusWaiting); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (s *localStore) claimWaiting(ctx context.Context, queue string, n int, now time.Time) ([]*envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.listIDs(queue, StatusWaiting)
	if err != nil {
		return nil, err
	}
	claimed := make([]*envelope, 0, n)
	for _, id := range ids {
		if len(claimed) >= n {
			break
		}
		env, err := s.readEnvelope(s.jobPath(queue, StatusWaiting, id))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return claimed, err
		}
		at := now
		env.Job.Status = StatusActive
		env.Job.AttemptsMade++
		env.Job.ProcessedAt = &at
		if err := s.move(env, StatusWaiting, StatusActive); err != nil {
			return claimed, err
		}
		claimed = append(claimed, env)
	}
	return claimed, nil
}

// heartbeat is a no-op: single-process liveness is implied by the process
// being alive, and crash recovery handles the rest.
func (s *localStore) heartbeat(ctx context.Context, queue, id string) error { return nil }

func (s *localStore) completeJob(ctx context.Context, env *envelope, removeOnComplete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if removeOnComplete {
		if err := os.Remove(s.jobPath(env.Job.Queue, StatusActive, env.Job.ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove completed job: %w", err)
		}
		return nil
	}
	return s.move(env, StatusActive, StatusCompleted)
}

func (s *localStore) retryJob(ctx context.Context, env *envelope, scheduledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := scheduledAt
	env.ScheduledAt = &at
	env.Job.Status = StatusDelayed
	return s.move(env, StatusActive, StatusDelayed)
}

func (s *localStore) failJob(ctx context.Context, env *envelope, removeOnFail bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if removeOnFail {
		if err := os.Remove(s.jobPath(env.Job.Queue, StatusActive, env.Job.ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove failed job: %w", err)
		}
		return nil
	}
	return s.move(env, StatusActive, StatusFailed)
}

func (s *localStore) clean(ctx context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range []Status{StatusCompleted, StatusFailed} {
		ids, err := s.listIDs(queue, st)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := os.Remove(s.jobPath(queue, st, id)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("clean %s/%s: %w", queue, st, err)
			}
		}
	}
	return nil
}

func (s *localStore) updateProgress(ctx context.Context, queue, id string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, st, err := s.find(queue, id)
	if err != nil {
		return err
	}
	env.Job.Progress = percent
	return s.writeEnvelope(s.jobPath(queue, st, id), env)
}

// queues lists every queue directory under the root, skipping non-queue
// entries such as the progress store.
func (s *localStore) queues() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan queue root: %w", err)
	}
	var queues []string
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		// A queue directory is one that contains a waiting bucket.
		if _, err := os.Stat(filepath.Join(s.base, ent.Name(), string(StatusWaiting))); err != nil {
			continue
		}
		queues = append(queues, ent.Name())
	}
	return queues, nil
}

// recover moves stale active jobs back to waiting. A crash is not a failed
// attempt, so attemptsMade is decremented by one, floored at zero. Reads
// that come back ENOENT are skipped: another instance or an earlier pass
// already handled the file, which makes this safe to run concurrently and
// more than once.
func (s *localStore) recover(ctx context.Context) error {
	queues, err := s.queues()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, queue := range queues {
		queue := queue
		g.Go(func() error {
			return s.recoverQueue(ctx, queue)
		})
	}
	return g.Wait()
}

func (s *localStore) recoverQueue(ctx context.Context, queue string) error {
	ids, err := s.listIDs(queue, StatusActive)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.requeueStale(queue, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *localStore) requeueStale(queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.readEnvelope(s.jobPath(queue, StatusActive, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	env.Job.Status = StatusWaiting
	if env.Job.AttemptsMade > 0 {
		env.Job.AttemptsMade--
	}
	env.Job.ProcessedAt = nil
	if err := s.move(env, StatusActive, StatusWaiting); err != nil {
		return err
	}
	metrics.JobsRecovered.Inc()
	s.logger.Info("recovered stale active job", "queue", queue, "job", id)
	return nil
}

// maintain deletes completed and failed records older than the retention
// window, bounding disk growth.
func (s *localStore) maintain(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queues, err := s.queues()
	if err != nil {
		return err
	}
	cutoff := now.Add(-s.retention)
	for _, queue := range queues {
		for _, st := range []Status{StatusCompleted, StatusFailed} {
			ids, err := s.listIDs(queue, st)
			if err != nil {
				return err
			}
			for _, id := range ids {
				path := s.jobPath(queue, st, id)
				info, err := os.Stat(path)
				if err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return fmt.Errorf("stat job file: %w", err)
				}
				if info.ModTime().After(cutoff) {
					continue
				}
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("sweep job file: %w", err)
				}
			}
		}
	}
	return nil
}
