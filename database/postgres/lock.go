package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sagarc03/filevault"
)

const (
	unlockTimeout  = 5 * time.Second
	minLockBackoff = 5 * time.Millisecond
	maxLockBackoff = 200 * time.Millisecond
)

// AdvisoryLocker is a filevault.Locker backed by session level advisory
// locks, so that several instances sharing one database serialize writers of
// the same path.
//
// A held lock pins one connection of pool until it is released. Waiters poll
// pg_try_advisory_lock and hand their connection back between attempts, so
// only holders occupy the pool. The pool must not be the one the repo uses:
// holders would otherwise compete with the metadata calls of the writes they
// guard.
type AdvisoryLocker struct {
	pool       *pgxpool.Pool
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, minBackoff: minLockBackoff, maxBackoff: maxLockBackoff}
}

// Lock retries pg_try_advisory_lock with jittered exponential backoff until
// the lock is granted or ctx is done.
func (l *AdvisoryLocker) Lock(ctx context.Context, owner, path string) (func(), error) {
	key := lockID(owner, path)
	backoff := l.minBackoff

	for {
		conn, err := l.tryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return l.unlocker(conn, key, owner, path), nil
		}

		wait := backoff/2 + rand.N(backoff/2+1) //nolint:gosec // jitter only
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

// tryLock returns the connection holding the lock, or nil when another
// session holds it.
func (l *AdvisoryLocker) tryLock(ctx context.Context, key int64) (*pgxpool.Conn, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("advisory lock: acquire: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		// The server may have granted the lock; closing the session drops it.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, nil
	}
	return conn, nil
}

func (l *AdvisoryLocker) unlocker(conn *pgxpool.Conn, key int64, owner, path string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()

			if _, err := conn.Exec(uctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
				slog.Warn("advisory unlock failed, dropping connection", "owner", owner, "path", path, "error", err)
				_ = conn.Conn().Close(uctx)
			}
			conn.Release()
		})
	}
}

// lockID folds the lock key into the bigint space of advisory locks.
func lockID(owner, path string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(filevault.LockKey(owner, path)))
	return int64(h.Sum64()) //nolint:gosec // wrapping is intended
}
