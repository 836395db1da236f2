package filevault_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagarc03/filevault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := filevault.NewLocalLocker()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "alice", "a.txt")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, l.Len())
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	l := filevault.NewLocalLocker()

	unlockA, err := l.Lock(context.Background(), "alice", "a.txt")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	unlockB, err := l.Lock(ctx, "alice", "b.txt")
	require.NoError(t, err, "other path is not blocked")
	unlockB()

	unlockC, err := l.Lock(ctx, "bob", "a.txt")
	require.NoError(t, err, "other owner is not blocked")
	unlockC()
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := filevault.NewLocalLocker()

	unlock, err := l.Lock(context.Background(), "alice", "a.txt")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = l.Lock(ctx, "alice", "a.txt")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.Len(), "waiter released its reference")

	unlock()
	assert.Equal(t, 0, l.Len())
}

func TestLocalLocker_UnlockIdempotent(t *testing.T) {
	l := filevault.NewLocalLocker()

	unlock, err := l.Lock(context.Background(), "alice", "a.txt")
	require.NoError(t, err)
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	again, err := l.Lock(ctx, "alice", "a.txt")
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, l.Len())
}

func TestLockKey(t *testing.T) {
	assert.NotEqual(t, filevault.LockKey("a", "b/c"), filevault.LockKey("a/b", "c"))
}
