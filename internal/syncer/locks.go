package syncer

import (
	"context"
	"sync"

	"github.com/fruitsalade/provsync/internal/models"
)

// lockTable hands out one lock per identity. Entries are reference
// counted and removed when nobody holds or waits for them.
type lockTable struct {
	mu    sync.Mutex
	locks map[models.FileID]*idLock
}

type idLock struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[models.FileID]*idLock)}
}

func (t *lockTable) ref(id models.FileID) *idLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &idLock{sem: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unref(id models.FileID, l *idLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

// lock blocks until id is free or ctx is done.
func (t *lockTable) lock(ctx context.Context, id models.FileID) (func(), error) {
	l := t.ref(id)
	select {
	case l.sem <- struct{}{}:
		return t.releaser(id, l), nil
	case <-ctx.Done():
		t.unref(id, l)
		return nil, ctx.Err()
	}
}

// tryLock takes id only if it is free.
func (t *lockTable) tryLock(id models.FileID) (func(), bool) {
	l := t.ref(id)
	select {
	case l.sem <- struct{}{}:
		return t.releaser(id, l), true
	default:
		t.unref(id, l)
		return nil, false
	}
}

func (t *lockTable) releaser(id models.FileID, l *idLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			t.unref(id, l)
		})
	}
}

// held reports how many identities currently have a lock entry.
func (t *lockTable) held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
