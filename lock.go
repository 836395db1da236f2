package filevault

import (
	"context"
	"sync"
)

// Locker serializes writers of one logical file. Lock blocks until the
// (owner, path) lock is held or ctx is done; the returned unlock function is
// idempotent.
//
// LocalLocker is enough for a single instance. Deployments running several
// instances against one database use postgres.AdvisoryLocker.
type Locker interface {
	Lock(ctx context.Context, owner, path string) (unlock func(), err error)
}

// LockKey is the string every Locker derives its lock identity from.
func LockKey(owner, path string) string {
	return owner + "\x00" + path
}

// LocalLocker is an in-process Locker. Entries are reference counted and
// dropped once nobody holds or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, owner, path string) (func(), error) {
	key := LockKey(owner, path)

	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.release(key, kl)
		})
	}, nil
}

// Len returns the number of keys currently held or waited on.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *LocalLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
