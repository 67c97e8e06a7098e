package lock

import (
	"context"
	"sync"
	"time"
)

type memLock struct {
	token     string
	expiresAt time.Time
	timer     *time.Timer
}

// InMemory implements Locker for a single process. Expiry is a timer per
// held key, so the lock frees itself even if the holder never releases. The
// token check-then-act here is not atomic across goroutine interleavings the
// way the Redis Lua script is, but the map mutex serializes it, which is
// sufficient inside one process.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]*memLock
}

// NewInMemory returns a single-process locker.
func NewInMemory() *InMemory {
	return &InMemory{locks: make(map[string]*memLock)}
}

// Acquire implements Locker.Acquire.
func (l *InMemory) Acquire(ctx context.Context, key string, opts Options) (*Handle, bool, error) {
	opts = opts.withDefaults()
	return spinAcquire(ctx, opts, func(ctx context.Context) (*Handle, error) {
		token, ok := l.tryLock(key, opts.TTL)
		if !ok {
			return nil, nil
		}
		return newHandle(key, token, opts.TTL, l, opts.AutoRenew), nil
	})
}

func (l *InMemory) tryLock(key string, ttl time.Duration) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if cur, ok := l.locks[key]; ok && cur.expiresAt.After(now) {
		return "", false
	} else if ok {
		// Expired but the timer has not fired yet.
		cur.timer.Stop()
		delete(l.locks, key)
	}
	token := newOwnerToken()
	ml := &memLock{token: token, expiresAt: now.Add(ttl)}
	ml.timer = time.AfterFunc(ttl, func() {
		l.expire(key, token)
	})
	l.locks[key] = ml
	return token, true
}

// expire removes the lock when the TTL timer fires, unless the key was
// already released and re-acquired by a different token.
func (l *InMemory) expire(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.locks[key]; ok && cur.token == token {
		delete(l.locks, key)
	}
}

// WithLock implements Locker.WithLock.
func (l *InMemory) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	return withLock(ctx, l, key, opts, fn)
}

// IsLocked implements Locker.IsLocked.
func (l *InMemory) IsLocked(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.locks[key]
	return ok && cur.expiresAt.After(time.Now()), nil
}

// ForceRelease implements Locker.ForceRelease.
func (l *InMemory) ForceRelease(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.locks[key]; ok {
		cur.timer.Stop()
		delete(l.locks, key)
	}
	return nil
}

// release is a no-op unless token still owns the key.
func (l *InMemory) release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.locks[key]; ok && cur.token == token {
		cur.timer.Stop()
		delete(l.locks, key)
	}
	return nil
}

// extend is a no-op unless token still owns the key.
func (l *InMemory) extend(ctx context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.locks[key]; ok && cur.token == token {
		cur.expiresAt = time.Now().Add(ttl)
		cur.timer.Reset(ttl)
	}
	return nil
}
