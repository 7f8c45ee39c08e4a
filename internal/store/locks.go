package store

import (
	"context"
	"sync"
)

// lockTable serializes access to individual documents. Entries are created
// on demand and removed once the last waiter releases, so the table stays
// proportional to in-flight work rather than to documents ever touched.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the lock for path is free or ctx is done. On success
// it returns a release function that is safe to call more than once.
func (t *lockTable) Acquire(ctx context.Context, path string) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[path]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[path] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		t.release(path, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { t.release(path, e, true) })
	}, nil
}

func (t *lockTable) release(path string, e *lockEntry, held bool) {
	if held {
		<-e.sem
	}
	t.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, path)
	}
	t.mu.Unlock()
}
