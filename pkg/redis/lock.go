package redis

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned when a lock is held by someone else
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when trying to release a lock not held
	ErrLockNotHeld = errors.New("lock not held")
)

const (
	lockPollInitial = 50 * time.Millisecond
	lockPollMax     = time.Second
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// LockStore is the storage a Locker needs; *Client implements it.
type LockStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DelIfValue(ctx context.Context, key, value string) (bool, error)
}

// SetNX sets key only when it does not exist.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// DelIfValue deletes key only while it still holds value.
func (c *Client) DelIfValue(ctx context.Context, key, value string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Lock represents a held distributed lock
type Lock struct {
	store  LockStore
	logger ectologger.Logger
	key    string
	value  string
}

// Locker provides distributed locking operations
type Locker struct {
	store     LockStore
	keyPrefix string
	// wait bounds how long WithLock polls for a held lock
	wait   time.Duration
	logger ectologger.Logger
}

// NewLocker creates a new Locker. A zero wait makes WithLock fail at once on a held lock.
func NewLocker(store LockStore, keyPrefix string, wait time.Duration, logger ectologger.Logger) *Locker {
	if keyPrefix == "" {
		keyPrefix = "lock:"
	}
	return &Locker{
		store:     store,
		keyPrefix: keyPrefix,
		wait:      wait,
		logger:    logger,
	}
}

// Acquire takes the lock with SET NX. It does not wait.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lockKey := l.keyPrefix + key
	lockValue := uuid.New().String()

	ok, err := l.store.SetNX(ctx, lockKey, lockValue, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.logger.WithContext(ctx).Debugf("Acquired lock: %s", lockKey)

	return &Lock{
		store:  l.store,
		logger: l.logger,
		key:    lockKey,
		value:  lockValue,
	}, nil
}

// AcquireWait polls for the lock with doubling intervals until it is taken, the
// wait elapses (ErrLockNotAcquired) or ctx ends.
func (l *Locker) AcquireWait(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	deadline := time.Now().Add(l.wait)
	interval := lockPollInitial

	for {
		lock, err := l.Acquire(ctx, key, ttl)
		if !errors.Is(err, ErrLockNotAcquired) {
			return lock, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrLockNotAcquired
		}

		sleep := min(interval, remaining)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		interval = min(interval*2, lockPollMax)
	}
}

// Release deletes the lock if this holder still owns it
func (lock *Lock) Release(ctx context.Context) error {
	ok, err := lock.store.DelIfValue(ctx, lock.key, lock.value)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotHeld
	}

	lock.logger.WithContext(ctx).Debugf("Released lock: %s", lock.key)
	return nil
}

// WithLock runs fn while holding the lock, waiting up to the locker's wait for a
// current holder to finish. A release failure is logged, not returned.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	lock, err := l.AcquireWait(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		// release even when ctx was cancelled mid-run
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			l.logger.WithContext(ctx).WithError(err).Warnf("Failed to release lock: %s", lock.key)
		}
	}()

	return fn()
}
