package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/quaylabs/go-quay/v1/metrics"
)

// ErrNotAcquired is returned by WithLock when the lock could not be obtained
// within the wait timeout. Acquire itself reports non-acquisition as a plain
// false, not an error.
var ErrNotAcquired = errors.New("lock: not acquired")

const (
	defaultTTL           = 30 * time.Second
	defaultRetryInterval = 100 * time.Millisecond
)

// Options configures one acquisition attempt.
type Options struct {
	// TTL is how long the lock lives without an extend. Default 30s.
	TTL time.Duration
	// WaitTimeout bounds how long Acquire keeps retrying. Zero means a
	// single attempt.
	WaitTimeout time.Duration
	// RetryInterval is the pause between attempts. Default 100ms.
	RetryInterval time.Duration
	// AutoRenew re-extends the lock at half the TTL until release.
	AutoRenew bool
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	return o
}

// Locker is the distributed-lock port.
type Locker interface {
	// Acquire attempts to take the lock, retrying every RetryInterval until
	// WaitTimeout elapses. The boolean reports whether the lock was taken.
	Acquire(ctx context.Context, key string, opts Options) (*Handle, bool, error)
	// WithLock acquires, runs fn, and releases in all cases. fn's error is
	// propagated after the release. Non-acquisition becomes ErrNotAcquired.
	WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error
	// IsLocked reports whether any holder currently owns the key.
	IsLocked(ctx context.Context, key string) (bool, error)
	// ForceRelease removes the lock regardless of ownership. Administrative
	// override only.
	ForceRelease(ctx context.Context, key string) error
}

// backend is what a Handle needs from its locker.
type backend interface {
	release(ctx context.Context, key, token string) error
	extend(ctx context.Context, key, token string, ttl time.Duration) error
}

// Handle represents one held lock.
type Handle struct {
	key   string
	token string
	ttl   time.Duration
	b     backend

	released    atomic.Bool
	renewCancel context.CancelFunc
	renewDone   chan struct{}
	renewOnce   sync.Once
}

// Token returns the owner token, mainly for diagnostics.
func (h *Handle) Token() string { return h.token }

// Release gives the lock up. The auto-renew loop, when running, is always
// stopped first so no timer can outlive the hold. Releasing a lock whose
// token no longer matches the stored value is a no-op.
func (h *Handle) Release(ctx context.Context) error {
	h.stopRenew()
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.b.release(ctx, h.key, h.token)
}

// Extend pushes the expiry out by ttl (the original TTL when ttl <= 0).
// Extending after losing ownership is a no-op.
func (h *Handle) Extend(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = h.ttl
	}
	return h.b.extend(ctx, h.key, h.token, ttl)
}

func (h *Handle) stopRenew() {
	h.renewOnce.Do(func() {
		if h.renewCancel != nil {
			h.renewCancel()
			<-h.renewDone
		}
	})
}

// startRenew extends the lock at half the TTL until Release.
func (h *Handle) startRenew() {
	ctx, cancel := context.WithCancel(context.Background())
	h.renewCancel = cancel
	h.renewDone = make(chan struct{})
	interval := h.ttl / 2
	if interval <= 0 {
		interval = h.ttl
	}
	go func() {
		defer close(h.renewDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = h.extendQuiet(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (h *Handle) extendQuiet(ctx context.Context) error {
	return h.b.extend(ctx, h.key, h.token, h.ttl)
}

func newHandle(key, token string, ttl time.Duration, b backend, autoRenew bool) *Handle {
	h := &Handle{key: key, token: token, ttl: ttl, b: b}
	if autoRenew {
		h.startRenew()
	}
	return h
}

// newOwnerToken derives a token from process, time and randomness so
// collisions across a fleet are not a practical concern.
func newOwnerToken() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// crypto/rand failing is not recoverable here; fall back to
		// time-only uniqueness rather than handing out an empty token.
		id = fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return fmt.Sprintf("%d-%d-%s", os.Getpid(), time.Now().UnixNano(), id)
}

// spinAcquire is the shared bounded spin-wait: try, then retry every
// RetryInterval until the deadline passes or ctx is done.
func spinAcquire(ctx context.Context, opts Options, try func(ctx context.Context) (*Handle, error)) (*Handle, bool, error) {
	deadline := time.Now().Add(opts.WaitTimeout)
	for {
		h, err := try(ctx)
		if err != nil {
			return nil, false, err
		}
		if h != nil {
			metrics.LocksAcquired.Inc()
			return h, true, nil
		}
		metrics.LocksContended.Inc()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}
		wait := opts.RetryInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// withLock is the shared WithLock body.
func withLock(ctx context.Context, l Locker, key string, opts Options, fn func(ctx context.Context) error) error {
	h, acquired, err := l.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	defer func() {
		_ = h.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
