package orderedlist

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dijkstracula/lockfree/reclaim"
)

// LazyNode is a LazyList element. Compared with Node it trades the marked
// link word for a plain atomic pointer plus a separate mark flag and a
// per-node mutex; writers lock, readers never do.
type LazyNode[K, V any] struct {
	Key   K
	Value V

	mu     sync.Mutex
	marked atomic.Bool
	next   atomic.Pointer[LazyNode[K, V]]

	extracted atomic.Bool
}

// Next returns the node's successor and whether it is logically deleted.
func (n *LazyNode[K, V]) Next() (*LazyNode[K, V], bool) {
	return n.next.Load(), n.marked.Load()
}

// LazyList is the lazy flavor of the sorted list: find is lock-free, while
// insert and erase lock the two adjacent nodes and validate them before
// modifying anything, so every writer works on a stable pred/curr snapshot.
// Construct with NewLazy.
type LazyList[K, V any] struct {
	dom reclaim.Domain
	cmp func(a, b K) int

	head *LazyNode[K, V]
	tail *LazyNode[K, V]

	length    atomic.Int64
	onDispose func(*LazyNode[K, V])
}

// LazyOption configures a LazyList at construction.
type LazyOption[K, V any] func(*lazyOptions[K, V])

type lazyOptions[K, V any] struct {
	dispose func(*LazyNode[K, V])
}

// WithLazyDisposer is WithDisposer for the lazy flavor.
func WithLazyDisposer[K, V any](fn func(*LazyNode[K, V])) LazyOption[K, V] {
	return func(o *lazyOptions[K, V]) { o.dispose = fn }
}

// NewLazy builds an empty lazy list ordered by cmp. The traversal demand is
// the same two hand-over-hand slots the iterator uses, so any hazard domain
// that passes New's check passes this one.
func NewLazy[K, V any](dom reclaim.Domain, cmp func(a, b K) int, opts ...LazyOption[K, V]) (*LazyList[K, V], error) {
	if hp, ok := dom.(*reclaim.HazardDomain); ok && hp.SlotsPerThread() < 2 {
		return nil, reclaim.ErrResourceExhausted
	}
	var o lazyOptions[K, V]
	for _, opt := range opts {
		opt(&o)
	}
	l := &LazyList[K, V]{
		dom:       dom,
		cmp:       cmp,
		head:      &LazyNode[K, V]{},
		tail:      &LazyNode[K, V]{},
		onDispose: o.dispose,
	}
	l.head.next.Store(l.tail)
	return l, nil
}

func (l *LazyList[K, V]) retireNode(p unsafe.Pointer) {
	n := (*LazyNode[K, V])(p)
	if l.onDispose != nil && !n.extracted.Load() {
		l.onDispose(n)
	}
}

// search walks from head to the first node with curr.Key >= key,
// hand-over-hand protecting pred in one slot and curr in the other. It
// never modifies the list; marked nodes are the locking writers' problem.
func (l *LazyList[K, V]) search(sec reclaim.Section, key K) (pred, curr *LazyNode[K, V]) {
	pred = l.head
	slot := 0
	curr = (*LazyNode[K, V])(sec.Protect(slot, func() unsafe.Pointer {
		return unsafe.Pointer(pred.next.Load())
	}))
	for curr != l.tail && l.cmp(curr.Key, key) < 0 {
		pred = curr
		slot = 1 - slot
		curr = (*LazyNode[K, V])(sec.Protect(slot, func() unsafe.Pointer {
			return unsafe.Pointer(pred.next.Load())
		}))
	}
	return pred, curr
}

// validate is the lazy-list invariant check run after locking pred and
// curr: both still live, still adjacent.
func (l *LazyList[K, V]) validate(pred, curr *LazyNode[K, V]) bool {
	return !pred.marked.Load() && !curr.marked.Load() && pred.next.Load() == curr
}

// Insert links n if no node with an equal key exists.
func (l *LazyList[K, V]) Insert(n *LazyNode[K, V]) bool {
	sec := l.dom.Enter()
	defer sec.Close()
	for {
		pred, curr := l.search(sec, n.Key)
		pred.mu.Lock()
		curr.mu.Lock()
		if !l.validate(pred, curr) {
			curr.mu.Unlock()
			pred.mu.Unlock()
			continue
		}
		if curr != l.tail && l.cmp(curr.Key, n.Key) == 0 {
			curr.mu.Unlock()
			pred.mu.Unlock()
			return false
		}
		n.next.Store(curr)
		pred.next.Store(n)
		l.length.Add(1)
		curr.mu.Unlock()
		pred.mu.Unlock()
		return true
	}
}

// Erase removes the node with the given key and retires it.
func (l *LazyList[K, V]) Erase(key K) bool {
	_, ok := l.remove(key, false)
	return ok
}

// Extract removes the node with the given key without running the
// disposer; ownership returns to the caller.
func (l *LazyList[K, V]) Extract(key K) (*LazyNode[K, V], bool) {
	return l.remove(key, true)
}

func (l *LazyList[K, V]) remove(key K, extract bool) (*LazyNode[K, V], bool) {
	sec := l.dom.Enter()
	defer sec.Close()
	for {
		pred, curr := l.search(sec, key)
		if curr == l.tail || l.cmp(curr.Key, key) != 0 {
			return nil, false
		}
		pred.mu.Lock()
		curr.mu.Lock()
		if !l.validate(pred, curr) {
			curr.mu.Unlock()
			pred.mu.Unlock()
			continue
		}
		if extract {
			curr.extracted.Store(true)
		}
		curr.marked.Store(true) // logical delete; readers stop reporting it
		pred.next.Store(curr.next.Load())
		l.length.Add(-1)
		curr.mu.Unlock()
		pred.mu.Unlock()
		sec.Retire(unsafe.Pointer(curr), l.retireNode)
		return curr, true
	}
}

// Find reports whether a live node with the given key exists, applying fn
// to it under the traversal's protection when it does.
func (l *LazyList[K, V]) Find(key K, fn func(*LazyNode[K, V])) bool {
	sec := l.dom.Enter()
	defer sec.Close()
	_, curr := l.search(sec, key)
	if curr == l.tail || l.cmp(curr.Key, key) != 0 || curr.marked.Load() {
		return false
	}
	if fn != nil {
		fn(curr)
	}
	return true
}

// Size is the number of live nodes; approximate while writers run.
func (l *LazyList[K, V]) Size() int { return int(l.length.Load()) }

// Empty reports Size() == 0.
func (l *LazyList[K, V]) Empty() bool { return l.Size() == 0 }
