package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/quaylabs/go-quay/v1/metrics"
)

const (
	redisKeyPrefix   = "quay"
	defaultLeaseTTL  = 30 * time.Second
	claimBatchLimit  = 100
	promoteBatchSize = "100"
)

// claimScript atomically moves one waiting job ID into the active list.
// RPOP+LPUSH in one script means two instances can never claim the same job.
var claimScript = redis.NewScript(`
local id = redis.call("RPOP", KEYS[1])
if not id then
    return false
end
redis.call("LPUSH", KEYS[2], id)
return id
`)

// promoteScript moves due delayed job IDs back onto the waiting list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ` + promoteBatchSize + `)
for _, id in ipairs(due) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("LPUSH", KEYS[2], id)
end
return #due
`)

// RedisQueue is the shared backend for multi-instance deployments. Jobs live
// under a Bull-style key namespace:
//
//	quay:{queue}:wait       list of waiting job IDs
//	quay:{queue}:active     list of in-flight job IDs
//	quay:{queue}:delayed    zset of job IDs scored by eligibility (unix ms)
//	quay:{queue}:completed  zset of job IDs scored by finish time (unix ms)
//	quay:{queue}:failed     zset of job IDs scored by finish time (unix ms)
//	quay:{queue}:job:{id}   the serialized job envelope
//	quay:{queue}:lease:{id} liveness key refreshed while the job runs
//
// Durability and command atomicity are Redis's responsibility; move operations
// that must not race across instances run as Lua scripts.
type RedisQueue struct {
	*engine
}

// NewRedis returns a queue backed by the provided Redis client.
func NewRedis(client *redis.Client, opts ...Option) *RedisQueue {
	st := &redisStore{client: client, leaseTTL: defaultLeaseTTL, retention: defaultRetention}
	return &RedisQueue{engine: newEngine(st, opts...)}
}

// WithLeaseTTL sets how long a claimed job may go without a heartbeat before
// another instance may reclaim it. The default is 30 seconds.
func WithLeaseTTL(d time.Duration) Option {
	return func(e *engine) {
		if st, ok := e.store.(*redisStore); ok && d > 0 {
			st.leaseTTL = d
		}
	}
}

type redisStore struct {
	client    *redis.Client
	leaseTTL  time.Duration
	retention time.Duration
}

func (s *redisStore) key(queue string, parts ...string) string {
	k := redisKeyPrefix + ":" + queue
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *redisStore) statusKey(queue string, status Status) string {
	switch status {
	case StatusWaiting:
		return s.key(queue, "wait")
	default:
		return s.key(queue, string(status))
	}
}

func (s *redisStore) jobKey(queue, id string) string {
	return s.key(queue, "job", id)
}

func (s *redisStore) leaseKey(queue, id string) string {
	return s.key(queue, "lease", id)
}

func (s *redisStore) setEnvelope(ctx context.Context, env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", env.Job.ID, err)
	}
	return s.client.Set(ctx, s.jobKey(env.Job.Queue, env.Job.ID), data, 0).Err()
}

func (s *redisStore) getEnvelope(ctx context.Context, queue, id string) (*envelope, error) {
	data, err := s.client.Get(ctx, s.jobKey(queue, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &env, nil
}

func (s *redisStore) createJob(ctx context.Context, env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", env.Job.ID, err)
	}
	ok, err := s.client.SetNX(ctx, s.jobKey(env.Job.Queue, env.Job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store job %s: %w", env.Job.ID, err)
	}
	if !ok {
		return errJobExists
	}
	// Queue registry, consumed by the retention sweep.
	if err := s.client.SAdd(ctx, redisKeyPrefix+":queues", env.Job.Queue).Err(); err != nil {
		return err
	}
	if env.Job.Status == StatusDelayed && env.ScheduledAt != nil {
		return s.client.ZAdd(ctx, s.statusKey(env.Job.Queue, StatusDelayed), redis.Z{
			Score:  float64(env.ScheduledAt.UnixMilli()),
			Member: env.Job.ID,
		}).Err()
	}
	return s.client.LPush(ctx, s.statusKey(env.Job.Queue, StatusWaiting), env.Job.ID).Err()
}

func (s *redisStore) getJob(ctx context.Context, queue, id string) (*envelope, error) {
	return s.getEnvelope(ctx, queue, id)
}

func (s *redisStore) removeJob(ctx context.Context, queue, id string) error {
	n, err := s.client.Del(ctx, s.jobKey(queue, id)).Result()
	if err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	pipe := s.client.Pipeline()
	pipe.LRem(ctx, s.statusKey(queue, StatusWaiting), 0, id)
	pipe.LRem(ctx, s.statusKey(queue, StatusActive), 0, id)
	pipe.ZRem(ctx, s.statusKey(queue, StatusDelayed), id)
	pipe.ZRem(ctx, s.statusKey(queue, StatusCompleted), id)
	pipe.ZRem(ctx, s.statusKey(queue, StatusFailed), id)
	pipe.Del(ctx, s.leaseKey(queue, id))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) countByStatus(ctx context.Context, queue string, status Status) (int, error) {
	var n int64
	var err error
	switch status {
	case StatusWaiting, StatusActive:
		n, err = s.client.LLen(ctx, s.statusKey(queue, status)).Result()
	default:
		n, err = s.client.ZCard(ctx, s.statusKey(queue, status)).Result()
	}
	if err != nil {
		return 0, fmt.Errorf("count %s/%s: %w", queue, status, err)
	}
	return int(n), nil
}

func (s *redisStore) listByStatus(ctx context.Context, queue string, status Status, limit int) ([]*envelope, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	var ids []string
	var err error
	switch status {
	case StatusWaiting, StatusActive:
		ids, err = s.client.LRange(ctx, s.statusKey(queue, status), 0, stop).Result()
	default:
		ids, err = s.client.ZRange(ctx, s.statusKey(queue, status), 0, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", queue, status, err)
	}
	envs := make([]*envelope, 0, len(ids))
	for _, id := range ids {
		env, err := s.getEnvelope(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// promoteDue promotes due delayed jobs and reclaims active jobs whose lease
// expired, meaning the instance processing them stopped heartbeating.
func (s *redisStore) promoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, s.client,
		[]string{s.statusKey(queue, StatusDelayed), s.statusKey(queue, StatusWaiting)},
		now.UnixMilli(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	if err := s.reclaimStale(ctx, queue); err != nil {
		return n, err
	}
	return n, nil
}

// reclaimStale is the cross-instance equivalent of startup recovery: an
// active job with no live lease lost its worker. LRem is the claim; only the
// instance that actually removed the ID re-queues the job, so concurrent
// reclaim passes stay idempotent.
func (s *redisStore) reclaimStale(ctx context.Context, queue string) error {
	ids, err := s.client.LRange(ctx, s.statusKey(queue, StatusActive), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("scan active: %w", err)
	}
	for _, id := range ids {
		alive, err := s.client.Exists(ctx, s.leaseKey(queue, id)).Result()
		if err != nil {
			return err
		}
		if alive > 0 {
			continue
		}
		removed, err := s.client.LRem(ctx, s.statusKey(queue, StatusActive), 0, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		env, err := s.getEnvelope(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		env.Job.Status = StatusWaiting
		if env.Job.AttemptsMade > 0 {
			env.Job.AttemptsMade--
		}
		env.Job.ProcessedAt = nil
		if err := s.setEnvelope(ctx, env); err != nil {
			return err
		}
		if err := s.client.LPush(ctx, s.statusKey(queue, StatusWaiting), id).Err(); err != nil {
			return err
		}
		metrics.JobsRecovered.Inc()
	}
	return nil
}

func (s *redisStore) claimWaiting(ctx context.Context, queue string, n int, now time.Time) ([]*envelope, error) {
	if n > claimBatchLimit {
		n = claimBatchLimit
	}
	claimed := make([]*envelope, 0, n)
	for len(claimed) < n {
		res, err := claimScript.Run(ctx, s.client,
			[]string{s.statusKey(queue, StatusWaiting), s.statusKey(queue, StatusActive)},
		).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("claim waiting: %w", err)
		}
		id, ok := res.(string)
		if !ok {
			break
		}
		env, err := s.getEnvelope(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			// Body removed out from under the index; drop the orphan ID.
			_ = s.client.LRem(ctx, s.statusKey(queue, StatusActive), 0, id).Err()
			continue
		}
		if err != nil {
			return claimed, err
		}
		at := now
		env.Job.Status = StatusActive
		env.Job.AttemptsMade++
		env.Job.ProcessedAt = &at
		if err := s.setEnvelope(ctx, env); err != nil {
			return claimed, err
		}
		if err := s.client.Set(ctx, s.leaseKey(queue, id), "1", s.leaseTTL).Err(); err != nil {
			return claimed, err
		}
		claimed = append(claimed, env)
	}
	return claimed, nil
}

func (s *redisStore) heartbeat(ctx context.Context, queue, id string) error {
	return s.client.Set(ctx, s.leaseKey(queue, id), "1", s.leaseTTL).Err()
}

func (s *redisStore) finish(ctx context.Context, env *envelope, status Status, remove bool) error {
	queue, id := env.Job.Queue, env.Job.ID
	pipe := s.client.Pipeline()
	pipe.LRem(ctx, s.statusKey(queue, StatusActive), 0, id)
	pipe.Del(ctx, s.leaseKey(queue, id))
	if remove {
		pipe.Del(ctx, s.jobKey(queue, id))
	} else {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", id, err)
		}
		pipe.Set(ctx, s.jobKey(queue, id), data, 0)
		pipe.ZAdd(ctx, s.statusKey(queue, status), redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: id,
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) completeJob(ctx context.Context, env *envelope, removeOnComplete bool) error {
	return s.finish(ctx, env, StatusCompleted, removeOnComplete)
}

func (s *redisStore) retryJob(ctx context.Context, env *envelope, scheduledAt time.Time) error {
	at := scheduledAt
	env.ScheduledAt = &at
	env.Job.Status = StatusDelayed
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", env.Job.ID, err)
	}
	queue, id := env.Job.Queue, env.Job.ID
	pipe := s.client.Pipeline()
	pipe.LRem(ctx, s.statusKey(queue, StatusActive), 0, id)
	pipe.Del(ctx, s.leaseKey(queue, id))
	pipe.Set(ctx, s.jobKey(queue, id), data, 0)
	pipe.ZAdd(ctx, s.statusKey(queue, StatusDelayed), redis.Z{
		Score:  float64(scheduledAt.UnixMilli()),
		Member: id,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) failJob(ctx context.Context, env *envelope, removeOnFail bool) error {
	return s.finish(ctx, env, StatusFailed, removeOnFail)
}

func (s *redisStore) clean(ctx context.Context, queue string) error {
	for _, st := range []Status{StatusCompleted, StatusFailed} {
		ids, err := s.client.ZRange(ctx, s.statusKey(queue, st), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("clean %s/%s: %w", queue, st, err)
		}
		pipe := s.client.Pipeline()
		for _, id := range ids {
			pipe.Del(ctx, s.jobKey(queue, id))
		}
		pipe.Del(ctx, s.statusKey(queue, st))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *redisStore) updateProgress(ctx context.Context, queue, id string, percent int) error {
	env, err := s.getEnvelope(ctx, queue, id)
	if err != nil {
		return err
	}
	env.Job.Progress = percent
	return s.setEnvelope(ctx, env)
}

// maintain trims terminal records older than the retention window.
func (s *redisStore) maintain(ctx context.Context, now time.Time) error {
	cutoff := fmt.Sprintf("%d", now.Add(-s.retention).UnixMilli())
	queues, err := s.client.SMembers(ctx, redisKeyPrefix+":queues").Result()
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}
	for _, queue := range queues {
		for _, st := range []Status{StatusCompleted, StatusFailed} {
			key := s.statusKey(queue, st)
			ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				continue
			}
			pipe := s.client.Pipeline()
			for _, id := range ids {
				pipe.Del(ctx, s.jobKey(queue, id))
				pipe.ZRem(ctx, key, id)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
