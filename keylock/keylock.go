// Package keylock serializes resolution attempts per pair key. Each key gets
// one mutual-exclusion lock, created lazily and tracked in a bounded LRU
// table so key cardinality cannot grow memory without limit. Only locks with
// no holder and no waiters are evicted; when every tracked lock is in use the
// table temporarily exceeds its capacity instead of evicting or blocking.
package keylock

import (
	"container/list"
	"context"
	"sync"

	kitchencache "github.com/mixmoji/kitchen-cache"
)

// DefaultCapacity is the default number of tracked locks.
const DefaultCapacity = 1024

type entry struct {
	key  kitchencache.PairKey
	sem  chan struct{} // buffered size 1: holding the token == holding the lock
	refs int           // holders + waiters; evictable only at zero
	elem *list.Element
}

// Table is the per-key lock table.
type Table struct {
	mu       sync.Mutex
	capacity int
	entries  map[kitchencache.PairKey]*entry
	order    *list.List // front = most recently used
}

// New creates a lock table. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		capacity: capacity,
		entries:  make(map[kitchencache.PairKey]*entry),
		order:    list.New(),
	}
}

// Acquire blocks until the caller holds the lock for key, then returns the
// release function. All callers for the same key serialize here; each should
// re-check the positive and negative caches after acquiring so only the
// first caller per cold key performs network work. Returns the context error
// if ctx is done before the lock is held.
func (t *Table) Acquire(ctx context.Context, key kitchencache.PairKey) (release func(), err error) {
	e := t.checkout(key)

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			t.checkin(e)
		}, nil
	case <-ctx.Done():
		t.checkin(e)
		return nil, ctx.Err()
	}
}

// checkout finds or creates the entry for key under the global guard,
// marking it most recently used and pinning it against eviction.
func (t *Table) checkout(key kitchencache.PairKey) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		t.order.MoveToFront(e.elem)
		e.refs++
		return e
	}

	// Evict before inserting so the new key is never the victim.
	if len(t.entries) >= t.capacity {
		t.evictLocked()
	}

	e := &entry{
		key: key,
		sem: make(chan struct{}, 1),
	}
	e.elem = t.order.PushFront(e)
	e.refs = 1
	t.entries[key] = e
	return e
}

func (t *Table) checkin(e *entry) {
	t.mu.Lock()
	e.refs--
	t.mu.Unlock()
}

// evictLocked removes the least-recently-used unpinned lock. One scan from
// the LRU end; if every tracked lock is in use the table is allowed to
// exceed capacity rather than block or evict a live lock.
func (t *Table) evictLocked() {
	for el := t.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.refs == 0 {
			t.order.Remove(el)
			delete(t.entries, e.key)
			return
		}
	}
}

// Len returns the number of tracked locks.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Contains reports whether key is currently tracked.
func (t *Table) Contains(key kitchencache.PairKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}
