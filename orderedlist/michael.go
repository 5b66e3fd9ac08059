// Package orderedlist implements a sorted singly-linked list in two
// flavors: List, the lock-free Harris/Michael algorithm with
// logical-then-physical deletion, and LazyList, the mutex-assisted lazy
// variant whose find stays lock-free while insert and erase
// lock-and-validate the two adjacent nodes.
//
// Both are intrusive in spirit: the caller allocates the node, hands it to
// Insert, and gets it back from Extract. Keys are compared through a
// caller-supplied three-way comparator, so the list never constrains the
// key type beyond what the comparator can order.
//
// Every traversal runs inside a read-side critical section of the
// reclaim.Domain the list was built with, and every removed node goes back
// through that domain; nothing is handed to a disposer while a concurrent
// reader can still observe it.
package orderedlist

import (
	"sync/atomic"
	"unsafe"

	"github.com/dijkstracula/lockfree/markptr"
	"github.com/dijkstracula/lockfree/reclaim"
)

// Hazard slot layout for one traversal. SlotDemand is exported so layered
// containers (the split-ordered hash) can add the list's demand to their
// own when validating a hazard domain.
const (
	slotPred = 0
	slotCurr = 1
	slotNext = 2

	// SlotDemand is the number of hazard slots one list traversal needs.
	SlotDemand = 3
)

// Node is a list element. The caller owns the allocation; the list owns the
// linkage from a successful Insert until Extract hands it back or a
// successful Erase retires it.
type Node[K, V any] struct {
	Key   K
	Value V

	// Tag bit 0 of next is the logical-delete mark. Once set, the word is
	// frozen: no writer CAS expects a marked word, so a marked node's
	// successor never changes again.
	next markptr.Ptr[Node[K, V]]

	// Set by Extract so a concurrent helper that finishes the unlink does
	// not run the user disposer on a node whose ownership went back to
	// the caller.
	extracted atomic.Bool
}

// Next returns the node's current successor and whether the node is
// logically deleted. Exposed for invariant-checking tests and for layered
// containers that walk bucket sublists.
func (n *Node[K, V]) Next() (*Node[K, V], bool) {
	p, tag := n.next.Load()
	return p, tag != 0
}

// List is the lock-free flavor. Construct with New.
type List[K, V any] struct {
	dom reclaim.Domain
	cmp func(a, b K) int

	head *Node[K, V]
	tail *Node[K, V]

	length    atomic.Int64
	onDispose func(*Node[K, V])
}

// Option configures a List at construction; LazyList takes LazyOption.
type Option[K, V any] func(*options[K, V])

type options[K, V any] struct {
	dispose func(*Node[K, V])
}

// WithDisposer registers fn to run on each erased node once the
// reclamation domain proves no reader can still observe it. Without one,
// erased nodes are simply dropped for the garbage collector.
func WithDisposer[K, V any](fn func(*Node[K, V])) Option[K, V] {
	return func(o *options[K, V]) { o.dispose = fn }
}

// New builds an empty list ordered by cmp, with sentinel head and tail
// bounding every traversal. It fails with ErrResourceExhausted if dom is a
// hazard-pointer domain configured with fewer slots than a traversal
// publishes.
func New[K, V any](dom reclaim.Domain, cmp func(a, b K) int, opts ...Option[K, V]) (*List[K, V], error) {
	if hp, ok := dom.(*reclaim.HazardDomain); ok && hp.SlotsPerThread() < SlotDemand {
		return nil, reclaim.ErrResourceExhausted
	}
	var o options[K, V]
	for _, opt := range opts {
		opt(&o)
	}
	l := &List[K, V]{
		dom:       dom,
		cmp:       cmp,
		head:      &Node[K, V]{},
		tail:      &Node[K, V]{},
		onDispose: o.dispose,
	}
	l.head.next.Store(l.tail, 0)
	return l, nil
}

// Head returns the head sentinel, the anchor for whole-list operations.
// Layered containers pass their own anchors (e.g. bucket dummies) instead.
func (l *List[K, V]) Head() *Node[K, V] { return l.head }

// retireNode adapts the user disposer to the domain's Disposer shape,
// skipping nodes whose ownership Extract returned to the caller.
func (l *List[K, V]) retireNode(p unsafe.Pointer) {
	n := (*Node[K, V])(p)
	if l.onDispose != nil && !n.extracted.Load() {
		l.onDispose(n)
	}
}

// position is one observation of a search: prev is the word that pointed
// at curr, curr is the first node with curr.Key >= key (or the tail), and
// next is curr's successor at observation time.
type position[K, V any] struct {
	prev *markptr.Ptr[Node[K, V]]
	curr *Node[K, V]
	next *Node[K, V]
}

// protectLoad publishes the pointer half of src's word into slot and
// re-reads until the whole word (pointer and mark together) is observed
// unchanged across the publish; the returned pair is therefore one
// consistent observation of src.
func protectLoad[K, V any](sec reclaim.Section, slot int, src *markptr.Ptr[Node[K, V]]) (*Node[K, V], uintptr) {
	w := src.Raw()
	for {
		p, tag := markptr.Unpack[Node[K, V]](w)
		sec.Publish(slot, unsafe.Pointer(p))
		w2 := src.Raw()
		if w2 == w {
			return p, tag
		}
		w = w2
	}
}

// find locates key starting at anchor, physically unlinking every marked
// node it encounters along the way. On return, curr is protected by
// slotCurr and (when not the tail) next by slotNext; prev's pointee is
// protected by slotPred or is the never-retired anchor.
func (l *List[K, V]) find(sec reclaim.Section, anchor *Node[K, V], key K, cmp func(a, b K) int) (position[K, V], bool) {
retry:
	prev := &anchor.next
	curr, _ := protectLoad(sec, slotCurr, prev)
	for {
		if curr == l.tail {
			return position[K, V]{prev: prev, curr: l.tail}, false
		}
		next, cmark := protectLoad(sec, slotNext, &curr.next)
		// Validate that prev still points at curr, unmarked. This is what
		// makes the hazards just published trustworthy: if it holds, curr
		// was still linked an instant ago, so neither curr nor the next we
		// read through it can have been retired before we published them.
		if p, tag := prev.Load(); p != curr || tag != 0 {
			goto retry
		}
		if cmark != 0 {
			// curr is logically deleted: finish the unlink on its behalf.
			if !prev.CompareAndSwap(curr, 0, next, 0) {
				goto retry
			}
			sec.Retire(unsafe.Pointer(curr), l.retireNode)
		} else {
			if c := cmp(curr.Key, key); c >= 0 {
				return position[K, V]{prev: prev, curr: curr, next: next}, c == 0
			}
			prev = &curr.next
			sec.Publish(slotPred, unsafe.Pointer(curr))
		}
		curr = next
		sec.Publish(slotCurr, unsafe.Pointer(next))
	}
}

// Insert links n if no node with an equal key exists. Returns false (and
// leaves n untouched beyond its link word) on a duplicate.
func (l *List[K, V]) Insert(n *Node[K, V]) bool {
	return l.InsertFrom(l.head, n)
}

// InsertFrom is Insert with the search anchored at a node known to precede
// n's position. The anchor must never be retired while the call runs; the
// head sentinel and the split-ordered hash's bucket dummies both qualify.
func (l *List[K, V]) InsertFrom(anchor *Node[K, V], n *Node[K, V]) bool {
	sec := l.dom.Enter()
	defer sec.Close()
	return l.insert(sec, anchor, n)
}

func (l *List[K, V]) insert(sec reclaim.Section, anchor, n *Node[K, V]) bool {
	for {
		pos, found := l.find(sec, anchor, n.Key, l.cmp)
		if found {
			return false
		}
		n.next.Store(pos.curr, 0)
		if pos.prev.CompareAndSwap(pos.curr, 0, n, 0) {
			l.length.Add(1)
			return true
		}
	}
}

// Ensure is update-or-insert: if a node with n's key exists, fn runs
// against it under the traversal's protection and n is not linked;
// otherwise n is linked and fn runs against n. Returns (existed,
// inserted), exactly one of which is true.
func (l *List[K, V]) Ensure(n *Node[K, V], fn func(existed bool, cur *Node[K, V])) (bool, bool) {
	return l.EnsureFrom(l.head, n, fn)
}

// EnsureFrom is Ensure anchored like InsertFrom.
func (l *List[K, V]) EnsureFrom(anchor, n *Node[K, V], fn func(existed bool, cur *Node[K, V])) (bool, bool) {
	sec := l.dom.Enter()
	defer sec.Close()
	for {
		pos, found := l.find(sec, anchor, n.Key, l.cmp)
		if found {
			fn(true, pos.curr)
			return true, false
		}
		n.next.Store(pos.curr, 0)
		if pos.prev.CompareAndSwap(pos.curr, 0, n, 0) {
			l.length.Add(1)
			fn(false, n)
			return false, true
		}
	}
}

// Erase logically deletes the node with the given key, unlinks it, and
// retires it through the domain. Returns false if no such node exists.
func (l *List[K, V]) Erase(key K) bool {
	return l.EraseFrom(l.head, key)
}

// EraseWith is Erase under an alternate comparator, for lookups by a key
// representation the list's own comparator does not order (e.g. a prefix).
// cmp must be consistent with the list order.
func (l *List[K, V]) EraseWith(key K, cmp func(a, b K) int) bool {
	sec := l.dom.Enter()
	defer sec.Close()
	_, ok := l.remove(sec, l.head, key, cmp)
	return ok
}

// EraseFrom is Erase anchored like InsertFrom.
func (l *List[K, V]) EraseFrom(anchor *Node[K, V], key K) bool {
	sec := l.dom.Enter()
	defer sec.Close()
	_, ok := l.remove(sec, anchor, key, l.cmp)
	return ok
}

// remove runs the two-phase deletion: a CAS setting the mark bit on the
// victim's own link word (the linearization point), then a best-effort CAS
// unlinking it from prev. A failed unlink is left for the next traversal
// to finish.
func (l *List[K, V]) remove(sec reclaim.Section, anchor *Node[K, V], key K, cmp func(a, b K) int) (*Node[K, V], bool) {
	for {
		pos, found := l.find(sec, anchor, key, cmp)
		if !found {
			return nil, false
		}
		curr, next := pos.curr, pos.next
		if !curr.next.CompareAndSwap(next, 0, next, 1) {
			// Lost to a concurrent writer on curr; re-resolve.
			continue
		}
		l.length.Add(-1)
		if pos.prev.CompareAndSwap(curr, 0, next, 0) {
			sec.Retire(unsafe.Pointer(curr), l.retireNode)
		} else {
			// Someone moved under us; a subsequent find will unlink and
			// retire curr. Help it along so the common case is prompt.
			l.find(sec, anchor, key, cmp)
		}
		return curr, true
	}
}

// Extract unlinks and returns the node with the given key without running
// the disposer: ownership returns to the caller. Returns nil, false on a
// miss.
func (l *List[K, V]) Extract(key K) (*Node[K, V], bool) {
	return l.ExtractFrom(l.head, key)
}

// ExtractFrom is Extract anchored like InsertFrom.
func (l *List[K, V]) ExtractFrom(anchor *Node[K, V], key K) (*Node[K, V], bool) {
	sec := l.dom.Enter()
	defer sec.Close()
	for {
		pos, found := l.find(sec, anchor, key, l.cmp)
		if !found {
			return nil, false
		}
		// Claim the node before the delete CAS so the helper that may
		// finish the unlink already sees it as extracted; a failed CAS
		// rolls the claim back.
		pos.curr.extracted.Store(true)
		n, ok := l.removeAt(sec, anchor, key, pos)
		if ok {
			return n, true
		}
		pos.curr.extracted.Store(false)
	}
}

// removeAt attempts the two-phase delete against one observed position.
func (l *List[K, V]) removeAt(sec reclaim.Section, anchor *Node[K, V], key K, pos position[K, V]) (*Node[K, V], bool) {
	curr, next := pos.curr, pos.next
	if !curr.next.CompareAndSwap(next, 0, next, 1) {
		return nil, false
	}
	l.length.Add(-1)
	if pos.prev.CompareAndSwap(curr, 0, next, 0) {
		sec.Retire(unsafe.Pointer(curr), l.retireNode)
	} else {
		l.find(sec, anchor, key, l.cmp)
	}
	return curr, true
}

// Find reports whether a node with the given key exists, applying fn to it
// under the traversal's protection when it does.
func (l *List[K, V]) Find(key K, fn func(*Node[K, V])) bool {
	return l.FindFrom(l.head, key, fn)
}

// FindFrom is Find anchored like InsertFrom.
func (l *List[K, V]) FindFrom(anchor *Node[K, V], key K, fn func(*Node[K, V])) bool {
	sec := l.dom.Enter()
	defer sec.Close()
	pos, found := l.find(sec, anchor, key, l.cmp)
	if found && fn != nil {
		fn(pos.curr)
	}
	return found
}

// Size is the number of live nodes; approximate while writers run.
func (l *List[K, V]) Size() int { return int(l.length.Load()) }

// Empty reports Size() == 0.
func (l *List[K, V]) Empty() bool { return l.Size() == 0 }

// Iterator is a forward-only traversal exposing a best-effort snapshot:
// nodes deleted after the iterator passes them are still returned, nodes
// inserted behind it are not, and reaching the end early under concurrent
// deletion is allowed. It holds its own read-side section for its
// lifetime; Close it.
type Iterator[K, V any] struct {
	list *List[K, V]
	sec  reclaim.Section
	curr *Node[K, V]
	slot int
}

// Begin opens an iterator positioned before the first node.
func (l *List[K, V]) Begin() *Iterator[K, V] {
	return &Iterator[K, V]{list: l, sec: l.dom.Enter(), curr: l.head}
}

// Next advances to the next live node, skipping logically deleted ones
// without helping to unlink them (the iterator is read-only). Returns
// false at the end of the list.
func (it *Iterator[K, V]) Next() bool {
	for {
		from := it.curr
		// Hand-over-hand: protect the successor in the other slot while
		// the current node still pins the link word we read it from.
		nextSlot := 1 - it.slot
		n, _ := protectLoad(it.sec, nextSlot, &from.next)
		it.curr, it.slot = n, nextSlot
		if n == it.list.tail {
			return false
		}
		if _, marked := n.next.Load(); marked == 0 {
			return true
		}
	}
}

// Node returns the iterator's current node.
func (it *Iterator[K, V]) Node() *Node[K, V] { return it.curr }

// Close releases the iterator's read-side section.
func (it *Iterator[K, V]) Close() { it.sec.Close() }
