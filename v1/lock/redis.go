package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while token still owns it. The GET and
// DEL must be one atomic step: between a plain GET and DEL the key could
// expire and be re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// extendScript pushes the expiry out only while token still owns the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Locker on a shared Redis instance. Acquisition is a
// single SET NX PX; the owner token is the stored value. Redis's key TTL
// enforces expiry independent of the holder's liveness.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis returns a locker using the provided client. Keys are namespaced
// under "quay:lock:".
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "quay:lock:"}
}

func (r *Redis) lockKey(key string) string { return r.prefix + key }

// Acquire implements Locker.Acquire.
func (r *Redis) Acquire(ctx context.Context, key string, opts Options) (*Handle, bool, error) {
	opts = opts.withDefaults()
	return spinAcquire(ctx, opts, func(ctx context.Context) (*Handle, error) {
		token := newOwnerToken()
		ok, err := r.client.SetNX(ctx, r.lockKey(key), token, opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if !ok {
			return nil, nil
		}
		return newHandle(key, token, opts.TTL, r, opts.AutoRenew), nil
	})
}

// WithLock implements Locker.WithLock.
func (r *Redis) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	return withLock(ctx, r, key, opts, fn)
}

// IsLocked implements Locker.IsLocked.
func (r *Redis) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", key, err)
	}
	return n > 0, nil
}

// ForceRelease implements Locker.ForceRelease.
func (r *Redis) ForceRelease(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.lockKey(key)).Err()
}

func (r *Redis) release(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, r.client, []string{r.lockKey(key)}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (r *Redis) extend(ctx context.Context, key, token string, ttl time.Duration) error {
	err := extendScript.Run(ctx, r.client, []string{r.lockKey(key)}, token, ttl.Milliseconds()).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
