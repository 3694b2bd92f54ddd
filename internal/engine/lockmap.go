package engine

import (
	"context"
	"sync"
)

// lockMap serializes work per market id. Each id maps to a one-slot channel
// semaphore so waiters can give up when their context ends. Entries are
// reference counted and dropped once nobody holds or waits on them.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*marketLock
}

type marketLock struct {
	sem  chan struct{}
	refs int
}

func newLockMap() *lockMap {
	return &lockMap{locks: make(map[string]*marketLock)}
}

// acquire blocks until the lock for id is held or ctx is done. The returned
// func releases the lock and must be called exactly once.
func (l *lockMap) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	ml, ok := l.locks[id]
	if !ok {
		ml = &marketLock{sem: make(chan struct{}, 1)}
		l.locks[id] = ml
	}
	ml.refs++
	l.mu.Unlock()

	select {
	case ml.sem <- struct{}{}:
		return func() {
			<-ml.sem
			l.unref(id, ml)
		}, nil
	case <-ctx.Done():
		l.unref(id, ml)
		return nil, ctx.Err()
	}
}

func (l *lockMap) unref(id string, ml *marketLock) {
	l.mu.Lock()
	ml.refs--
	if ml.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}

// size reports how many ids currently have holders or waiters.
func (l *lockMap) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
