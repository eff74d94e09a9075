package transfer

import (
	"context"
	"sort"
	"sync"
	"time"
)

// lockTable hands out one mutex per account ID so that transfers touching
// the same account serialize while unrelated transfers proceed in parallel.
// Idle entries are dropped once their last holder releases.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	ch   chan struct{} // buffered size 1; holding the token means holding the lock
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*accountLock)}
}

// acquire locks every given account ID in sorted order, waiting at most
// timeout for each. Sorted order makes two transfers that are mutual
// reverses of each other acquire in the same sequence, so they cannot
// deadlock. On timeout or context cancellation every lock taken so far is
// released and nothing is held.
func (t *lockTable) acquire(ctx context.Context, timeout time.Duration, ids ...string) (release func(), err error) {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	held := make([]string, 0, len(sorted))
	releaseHeld := func() {
		// Unlock in reverse acquisition order.
		for i := len(held) - 1; i >= 0; i-- {
			t.unlock(held[i])
		}
	}

	for _, id := range sorted {
		if err := t.lock(ctx, id, timeout); err != nil {
			releaseHeld()
			return nil, err
		}
		held = append(held, id)
	}

	var once sync.Once
	return func() { once.Do(releaseHeld) }, nil
}

func (t *lockTable) lock(ctx context.Context, id string, timeout time.Duration) error {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &accountLock{ch: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-timer.C:
		t.drop(id, l)
		return ErrLockTimeout
	case <-ctx.Done():
		t.drop(id, l)
		return ctx.Err()
	}
}

func (t *lockTable) unlock(id string) {
	t.mu.Lock()
	l := t.locks[id]
	t.mu.Unlock()
	<-l.ch
	t.drop(id, l)
}

func (t *lockTable) drop(id string, l *accountLock) {
	t.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
	t.mu.Unlock()
}
