package locking

import "sync"

// treeLocks serialises transitions per Subject tree. Entries are dropped
// once no caller holds or waits for them.
type treeLocks struct {
	mu    sync.Mutex
	trees map[string]*treeLock
}

type treeLock struct {
	mu   sync.Mutex
	refs int
}

func newTreeLocks() *treeLocks {
	return &treeLocks{trees: make(map[string]*treeLock)}
}

// acquire blocks until the tree identified by key is free and returns the
// function that releases it.
func (t *treeLocks) acquire(key string) func() {
	t.mu.Lock()
	l, ok := t.trees[key]
	if !ok {
		l = &treeLock{}
		t.trees[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.trees, key)
		}
		t.mu.Unlock()
	}
}

// size returns the number of trees currently held or awaited.
func (t *treeLocks) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.trees)
}
