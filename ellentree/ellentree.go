// Package ellentree implements the Ellen-Fatourou-Ruppert-van Breugel
// non-blocking binary search tree: an external (leaf-oriented) BST where
// user data lives only in leaves, internal nodes route by key, and every
// structural change is coordinated through an update descriptor flagged
// into an internal node's state word.
//
// The state word is a marked pointer whose two tag bits name the states
// Clean, DFlag, Mark and IFlag. A thread that finds a non-Clean state in
// its way completes the flagged operation on its owner's behalf before
// retrying its own; helping instead of waiting is what makes the tree
// lock-free.
//
// Two sentinel leaves with infinite keys bound the tree from the right, so
// every search terminates at a leaf and the empty tree needs no special
// cases.
package ellentree

import (
	"sync/atomic"
	"unsafe"

	"github.com/dijkstracula/lockfree/markptr"
	"github.com/dijkstracula/lockfree/reclaim"
)

// States carried in the update word's tag bits.
const (
	stateClean uintptr = 0 // no operation in flight
	stateDFlag uintptr = 1 // grandparent flagged for a delete
	stateMark  uintptr = 2 // parent marked: it is coming out
	stateIFlag uintptr = 3 // parent flagged for an insert
)

// Hazard slot layout for one operation.
const (
	slotGP      = 0
	slotP       = 1
	slotL       = 2
	slotDesc    = 3
	slotSibling = 4

	// SlotDemand is the number of hazard slots one tree operation needs.
	SlotDemand = 5
)

// node is either an internal router or a leaf; leaf discriminates. inf
// encodes the two sentinel key levels: 0 is a finite key, and every finite
// key sorts below inf 1, which sorts below inf 2.
type node[K, V any] struct {
	key   K
	inf   int8
	leaf  bool
	value V

	left, right atomic.Pointer[node[K, V]]
	update      markptr.Ptr[desc[K, V]]
}

// desc is the update descriptor: a discriminated record published into an
// internal node's update word. kind tells helpers which payload variant
// they are looking at; the state tag on the word tells them how far the
// operation has progressed.
type desc[K, V any] struct {
	kind opKind

	// Insert payload.
	p           *node[K, V] // flagged parent
	newInternal *node[K, V]
	l           *node[K, V] // leaf being displaced (insert) or deleted (delete)
	lIsRight    bool        // which child of p the leaf is

	// Delete payload (kind == opDelete), in addition to p, l, lIsRight.
	gp       *node[K, V]    // flagged grandparent
	pIsRight bool           // which child of gp the parent is
	pupdate  unsafe.Pointer // p's update word as observed at flag time
}

type opKind uint8

const (
	opInsert opKind = iota
	opDelete
)

// Tree is a non-blocking external BST ordered by the comparator given to
// New.
type Tree[K, V any] struct {
	dom reclaim.Domain
	cmp func(a, b K) int

	root   *node[K, V]
	length atomic.Int64

	onDispose func(key K, value V)
}

// Option configures a Tree at construction.
type Option[K, V any] func(*options[K, V])

type options[K, V any] struct {
	dispose func(key K, value V)
}

// WithDisposer registers fn to run with each erased leaf's payload once no
// reader can still observe it. Extracted payloads bypass it.
func WithDisposer[K, V any](fn func(key K, value V)) Option[K, V] {
	return func(o *options[K, V]) { o.dispose = fn }
}

// New builds an empty tree: a root routing at the second infinity level
// over the two sentinel leaves. It fails with ErrResourceExhausted if dom
// is a hazard-pointer domain with fewer than SlotDemand slots per thread.
func New[K, V any](dom reclaim.Domain, cmp func(a, b K) int, opts ...Option[K, V]) (*Tree[K, V], error) {
	if hp, ok := dom.(*reclaim.HazardDomain); ok && hp.SlotsPerThread() < SlotDemand {
		return nil, reclaim.ErrResourceExhausted
	}
	var o options[K, V]
	for _, opt := range opts {
		opt(&o)
	}
	t := &Tree[K, V]{dom: dom, cmp: cmp, onDispose: o.dispose}
	t.root = &node[K, V]{inf: 2}
	t.root.left.Store(&node[K, V]{inf: 1, leaf: true})
	t.root.right.Store(&node[K, V]{inf: 2, leaf: true})
	return t, nil
}

// compare orders a finite search key against a node's routing key;
// sentinels sort above everything finite.
func (t *Tree[K, V]) compare(key K, n *node[K, V]) int {
	if n.inf != 0 {
		return -1
	}
	return t.cmp(key, n.key)
}

// searchResult is one completed descent: l is the leaf reached, p its
// parent, gp its grandparent (nil when p is the root), with the update
// words observed on the way down and the which-child bits needed to CAS
// them later.
type searchResult[K, V any] struct {
	gp, p, l           *node[K, V]
	gpupdate, pupdate  unsafe.Pointer
	lIsRight, pIsRight bool
}

// search descends from the root to a leaf, recording the last two internal
// nodes and their update words. gp, p and l are protected by their slots
// on return.
func (t *Tree[K, V]) search(sec reclaim.Section, key K) searchResult[K, V] {
	r := searchResult[K, V]{l: t.root}
	for !r.l.leaf {
		r.gp, r.gpupdate, r.pIsRight = r.p, r.pupdate, r.lIsRight
		r.p = r.l
		if r.gp != nil {
			sec.Publish(slotGP, unsafe.Pointer(r.gp))
		}
		sec.Publish(slotP, unsafe.Pointer(r.p))
		r.pupdate = r.p.update.Raw()
		src := &r.p.left
		if r.lIsRight = t.compare(key, r.p) >= 0; r.lIsRight {
			src = &r.p.right
		}
		r.l = (*node[K, V])(sec.Protect(slotL, func() unsafe.Pointer {
			return unsafe.Pointer(src.Load())
		}))
	}
	return r
}

// helpAt completes whatever operation is flagged on n's update word, if
// any. The descriptor is protected before it is dereferenced; helping an
// operation that already completed is harmless, every CAS inside just
// fails.
func (t *Tree[K, V]) helpAt(sec reclaim.Section, n *node[K, V]) {
	d := (*desc[K, V])(sec.Protect(slotDesc, func() unsafe.Pointer {
		p, _ := n.update.Load()
		return unsafe.Pointer(p)
	}))
	if d == nil {
		return
	}
	// Re-read pointer and state as one word: a state paired with a
	// different descriptor than the one protected must not be dispatched.
	p, state := n.update.Load()
	if p != d {
		return
	}
	t.help(sec, d, state)
}

// help dispatches on the state a descriptor was observed under. The kind
// check is belt and suspenders: a state can only ever be paired with its
// own descriptor kind, and dispatching across kinds would chase nil
// payload fields.
func (t *Tree[K, V]) help(sec reclaim.Section, d *desc[K, V], state uintptr) {
	switch state {
	case stateIFlag:
		if d.kind == opInsert {
			t.helpInsert(d)
		}
	case stateDFlag:
		if d.kind == opDelete {
			t.helpDelete(sec, d)
		}
	case stateMark:
		if d.kind == opDelete {
			t.helpMarked(sec, d)
		}
	case stateClean:
		// Nothing in flight.
	}
}

// casChild swings parent's child pointer on the recorded side.
func casChild[K, V any](parent, old, new *node[K, V], isRight bool) bool {
	if isRight {
		return parent.right.CompareAndSwap(old, new)
	}
	return parent.left.CompareAndSwap(old, new)
}

// helpInsert completes a flagged insert: swing the child, then unflag.
func (t *Tree[K, V]) helpInsert(d *desc[K, V]) {
	casChild(d.p, d.l, d.newInternal, d.lIsRight)
	d.p.update.CompareAndSwap(d, stateIFlag, d, stateClean)
}

// helpDelete tries to advance a flagged delete by marking the parent.
// Returns true if the parent ended up marked (by us or an earlier helper)
// and the delete completed; false if the mark lost to a competing
// operation on the parent, in which case the grandparent is rolled back to
// Clean and the delete must be retried from scratch.
func (t *Tree[K, V]) helpDelete(sec reclaim.Section, d *desc[K, V]) bool {
	if d.p.update.CompareAndSwapRaw(d.pupdate, d, stateMark) {
		t.helpMarked(sec, d)
		return true
	}
	if p, state := d.p.update.Load(); p == d && state == stateMark {
		// Another helper already marked it; finish the unlink.
		t.helpMarked(sec, d)
		return true
	}
	// The parent went to some other operation first. Back the
	// grandparent out so that operation (and our retry) can proceed.
	d.gp.update.CompareAndSwap(d, stateDFlag, d, stateClean)
	return false
}

// helpMarked finishes a delete whose parent is marked: promote the leaf's
// sibling into the grandparent, then unflag the grandparent.
func (t *Tree[K, V]) helpMarked(sec reclaim.Section, d *desc[K, V]) {
	src := &d.p.left
	if !d.lIsRight {
		src = &d.p.right
	}
	// The parent is marked, so its child words are frozen; the sibling
	// read here is the one being promoted.
	sibling := (*node[K, V])(sec.Protect(slotSibling, func() unsafe.Pointer {
		return unsafe.Pointer(src.Load())
	}))
	casChild(d.gp, d.p, sibling, d.pIsRight)
	d.gp.update.CompareAndSwap(d, stateDFlag, d, stateClean)
}

// Insert adds key -> value; false if the key is already present.
func (t *Tree[K, V]) Insert(key K, value V) bool {
	sec := t.dom.Enter()
	defer sec.Close()

	newLeaf := &node[K, V]{key: key, leaf: true, value: value}
	for {
		r := t.search(sec, key)
		if r.l.inf == 0 && t.cmp(key, r.l.key) == 0 {
			return false
		}
		if _, state := r.p.update.Load(); state != stateClean {
			t.helpAt(sec, r.p)
			continue
		}

		// Route at the larger of the two keys, children in sorted order.
		newInternal := &node[K, V]{}
		if t.compare(key, r.l) < 0 {
			newInternal.key, newInternal.inf = r.l.key, r.l.inf
			newInternal.left.Store(newLeaf)
			newInternal.right.Store(r.l)
		} else {
			newInternal.key = key
			newInternal.left.Store(r.l)
			newInternal.right.Store(newLeaf)
		}

		d := &desc[K, V]{
			kind:        opInsert,
			p:           r.p,
			newInternal: newInternal,
			l:           r.l,
			lIsRight:    r.lIsRight,
		}
		if r.p.update.CompareAndSwapRaw(r.pupdate, d, stateIFlag) {
			t.helpInsert(d)
			t.length.Add(1)
			sec.Retire(unsafe.Pointer(d), noDispose)
			return true
		}
		// Lost the flag CAS: complete whatever won, then retry. The
		// unpublished descriptor is simply dropped.
		t.helpAt(sec, r.p)
	}
}

// noDispose retires an object for lifetime accounting only; the collector
// reclaims the memory once the domain lets go.
func noDispose(unsafe.Pointer) {}

// erase runs the delete protocol against key. When retire is false the
// leaf's payload is handed back to the caller instead of the disposer.
func (t *Tree[K, V]) erase(sec reclaim.Section, key K, retire bool) (*node[K, V], bool) {
	for {
		r := t.search(sec, key)
		if r.l.inf != 0 || t.cmp(key, r.l.key) != 0 {
			return nil, false
		}
		if r.gp == nil {
			// p is the root, which never routes a finite key; the match
			// above cannot have a nil grandparent unless the tree is
			// mid-rebuild under us. Retry resolves it.
			continue
		}
		if _, state := r.gp.update.Load(); state != stateClean {
			t.helpAt(sec, r.gp)
			continue
		}
		if _, state := r.p.update.Load(); state != stateClean {
			t.helpAt(sec, r.p)
			continue
		}

		d := &desc[K, V]{
			kind:     opDelete,
			gp:       r.gp,
			p:        r.p,
			l:        r.l,
			lIsRight: r.lIsRight,
			pIsRight: r.pIsRight,
			pupdate:  r.pupdate,
		}
		if r.gp.update.CompareAndSwapRaw(r.gpupdate, d, stateDFlag) {
			if t.helpDelete(sec, d) {
				t.length.Add(-1)
				sec.Retire(unsafe.Pointer(d.p), noDispose)
				if retire {
					t.retireLeaf(sec, d.l)
				} else {
					sec.Retire(unsafe.Pointer(d.l), noDispose)
				}
				sec.Retire(unsafe.Pointer(d), noDispose)
				return d.l, true
			}
			// Rolled back; retry from the top.
			continue
		}
		t.helpAt(sec, r.gp)
	}
}

func (t *Tree[K, V]) retireLeaf(sec reclaim.Section, l *node[K, V]) {
	if t.onDispose == nil {
		sec.Retire(unsafe.Pointer(l), noDispose)
		return
	}
	key, value := l.key, l.value
	fn := t.onDispose
	sec.Retire(unsafe.Pointer(l), func(unsafe.Pointer) { fn(key, value) })
}

// Erase deletes key; false on a miss.
func (t *Tree[K, V]) Erase(key K) bool {
	sec := t.dom.Enter()
	defer sec.Close()
	_, ok := t.erase(sec, key, true)
	return ok
}

// Extract deletes key and returns its value; the disposer does not run.
func (t *Tree[K, V]) Extract(key K) (V, bool) {
	sec := t.dom.Enter()
	defer sec.Close()
	l, ok := t.erase(sec, key, false)
	if !ok {
		var zero V
		return zero, false
	}
	return l.value, true
}

// Find reports whether key is present, applying fn to its value under the
// traversal's protection on a hit.
func (t *Tree[K, V]) Find(key K, fn func(v *V)) bool {
	sec := t.dom.Enter()
	defer sec.Close()
	r := t.search(sec, key)
	if r.l.inf != 0 || t.cmp(key, r.l.key) != 0 {
		return false
	}
	if fn != nil {
		fn(&r.l.value)
	}
	return true
}

// extreme descends to the outermost real leaf on one side. Descending
// toward the sentinels means preferring the right child until it is a
// sentinel leaf, then stepping left once; minimum is a plain leftmost
// descent because every real key routes left of the sentinels.
func (t *Tree[K, V]) extremeKey(sec reclaim.Section, max bool) (K, bool) {
	cur := t.root
	for !cur.leaf {
		from := cur
		sec.Publish(slotP, unsafe.Pointer(from))
		if max {
			// Peek right; fall back left when the right side is pure
			// sentinel territory.
			right := (*node[K, V])(sec.Protect(slotL, func() unsafe.Pointer {
				return unsafe.Pointer(from.right.Load())
			}))
			if !(right.leaf && right.inf != 0) {
				cur = right
				continue
			}
		}
		cur = (*node[K, V])(sec.Protect(slotL, func() unsafe.Pointer {
			return unsafe.Pointer(from.left.Load())
		}))
	}
	if cur.inf != 0 {
		var zero K
		return zero, false
	}
	return cur.key, true
}

// ExtractMin deletes and returns the smallest key's payload.
func (t *Tree[K, V]) ExtractMin() (K, V, bool) {
	return t.extract(false)
}

// ExtractMax deletes and returns the largest key's payload.
func (t *Tree[K, V]) ExtractMax() (K, V, bool) {
	return t.extract(true)
}

func (t *Tree[K, V]) extract(max bool) (K, V, bool) {
	sec := t.dom.Enter()
	defer sec.Close()
	for {
		key, ok := t.extremeKey(sec, max)
		if !ok {
			var zk K
			var zv V
			return zk, zv, false
		}
		if l, ok := t.erase(sec, key, false); ok {
			return key, l.value, true
		}
		// The extreme moved between the scan and the delete; rescan.
	}
}

// InOrder walks the real leaves in key order, stopping early if fn
// returns false. Best-effort snapshot, like the list iterators: a
// concurrent writer may or may not be observed.
func (t *Tree[K, V]) InOrder(fn func(key K, v *V) bool) {
	sec := t.dom.Enter()
	defer sec.Close()
	t.walk(t.root, fn)
}

func (t *Tree[K, V]) walk(n *node[K, V], fn func(key K, v *V) bool) bool {
	if n == nil {
		return true
	}
	if n.leaf {
		if n.inf != 0 {
			return true
		}
		return fn(n.key, &n.value)
	}
	if !t.walk(n.left.Load(), fn) {
		return false
	}
	return t.walk(n.right.Load(), fn)
}

// Size is the number of keys; approximate while writers run.
func (t *Tree[K, V]) Size() int { return int(t.length.Load()) }

// Empty reports Size() == 0.
func (t *Tree[K, V]) Empty() bool { return t.Size() == 0 }
