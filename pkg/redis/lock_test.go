package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matvik19/duplicate-contacts/pkg/logger"
)

// memStore is a LockStore over a map; ttl is ignored.
type memStore struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemStore() *memStore {
	return &memStore{keys: map[string]string{}}
}

func (m *memStore) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = value
	return true, nil
}

func (m *memStore) DelIfValue(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] != value {
		return false, nil
	}
	delete(m.keys, key)
	return true, nil
}

func TestLocker_WithLockWaitsForHolder(t *testing.T) {
	store := newMemStore()
	locker := NewLocker(store, "lock:", time.Second, logger.Nop())
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "merge:acme", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(80 * time.Millisecond)
		_ = held.Release(context.Background())
	}()

	ran := false
	err = locker.WithLock(ctx, "merge:acme", time.Minute, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Empty(t, store.keys, "lock released after fn")
}

func TestLocker_WithLockGivesUpAfterWait(t *testing.T) {
	store := newMemStore()
	locker := NewLocker(store, "lock:", 120*time.Millisecond, logger.Nop())
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "merge:acme", time.Minute)
	require.NoError(t, err)

	start := time.Now()
	err = locker.WithLock(ctx, "merge:acme", time.Minute, func() error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestLocker_WithLockStopsOnCancel(t *testing.T) {
	store := newMemStore()
	locker := NewLocker(store, "lock:", time.Minute, logger.Nop())

	_, err := locker.Acquire(context.Background(), "merge:acme", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err = locker.WithLock(ctx, "merge:acme", time.Minute, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
