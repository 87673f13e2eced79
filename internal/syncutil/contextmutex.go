// Package syncutil provides keyed locks that respect context cancellation
// and refuse reentrant acquisition through the same call chain.
package syncutil

import (
	"context"
	"errors"
	"sync"
)

// ErrReentrant is returned when a call chain tries to lock a key it
// already holds.
var ErrReentrant = errors.New("syncutil: key already held by this call chain")

// KeyedMutex hands out one channel-based mutex per key. Entries are
// reference counted and dropped when nobody holds or waits on them, so
// memory stays proportional to live contention.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// heldKey links the keys a context chain holds.
type heldKey struct {
	owner  *KeyedMutex
	key    string
	parent *heldKey
}

type heldCtxKey struct{}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Held reports whether ctx was derived from a successful LockContext on key.
func (m *KeyedMutex) Held(ctx context.Context, key string) bool {
	for h, _ := ctx.Value(heldCtxKey{}).(*heldKey); h != nil; h = h.parent {
		if h.owner == m && h.key == key {
			return true
		}
	}
	return false
}

// LockContext acquires key. On success it returns a context marking key
// as held, which must be passed to anything that could call back in, and
// an unlock function the caller MUST call. A chain that already holds key
// gets ErrReentrant instead of deadlocking.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (context.Context, func(), error) {
	if m.Held(ctx, key) {
		return nil, nil, ErrReentrant
	}

	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case <-l.ch:
	case <-ctx.Done():
		m.release(key, l)
		return nil, nil, ctx.Err()
	}

	parent, _ := ctx.Value(heldCtxKey{}).(*heldKey)
	held := context.WithValue(ctx, heldCtxKey{}, &heldKey{owner: m, key: key, parent: parent})

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			l.ch <- struct{}{}
			m.release(key, l)
		})
	}
	return held, unlock, nil
}

func (m *KeyedMutex) release(key string, l *keyLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// held returns the number of keys currently held or waited on.
func (m *KeyedMutex) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
