// Package splitlist implements the split-ordered hash list: a resizable
// hash set layered over one global sorted list. Items are ordered by the
// bit-reverse of their hash, which keeps every bucket a contiguous sublist
// across table doublings, so "resize" is a single CAS on the bucket-count
// exponent and never moves a node.
//
// The bucket array holds pointers to dummy nodes spliced into the list;
// bucket b's dummy carries split-order key reverse(b) (even), real items
// carry reverse(hash)|1 (odd). A bucket is initialized lazily by the first
// access that hashes into it, by recursively initializing its parent
// bucket (b with its top bit cleared) and splicing the new dummy after the
// parent's.
package splitlist

import (
	"math/bits"
	"runtime"
	"sync/atomic"

	"github.com/dijkstracula/lockfree/orderedlist"
	"github.com/dijkstracula/lockfree/reclaim"
)

// soKey is the composite the underlying list sorts by: the split-order key
// first, then the user key to break ties between distinct items whose
// hashes collide. Dummies never tie with reals: their split-order keys
// differ in the low bit.
type soKey[K any] struct {
	so    uint64
	key   K
	dummy bool
}

// regularKey computes a real item's split-order key. The high bit set
// before reversal guarantees an odd result without disturbing the order of
// the reversed low bits the bucket index is drawn from.
func regularKey(h uint64) uint64 { return bits.Reverse64(h | 1<<63) }

// dummyKey computes bucket b's split-order key; even because b is far
// below 2^63.
func dummyKey(b uint64) uint64 { return bits.Reverse64(b) }

// parentBucket clears b's highest set bit; b's dummy is spliced in right
// after its parent's.
func parentBucket(b uint64) uint64 { return b &^ (1 << (bits.Len64(b) - 1)) }

// Set is a split-ordered hash set mapping keys to values. Construct with
// New.
type Set[K, V any] struct {
	list *orderedlist.List[soKey[K], V]
	hash func(K) uint64

	// buckets is allocated at full capacity up front; growth only moves
	// the exponent, never the array.
	buckets []atomic.Pointer[orderedlist.Node[soKey[K], V]]
	log2    atomic.Uint32

	capLog2    int
	loadFactor float64
	count      atomic.Int64
}

// Option configures a Set at construction.
type Option func(*options)

type options struct {
	initialLog2 int
	capLog2     int
	loadFactor  float64
}

// WithInitialBuckets sets the starting bucket count to 1<<log2.
func WithInitialBuckets(log2 int) Option {
	return func(o *options) { o.initialLog2 = log2 }
}

// WithCapacity caps growth at 1<<log2 buckets.
func WithCapacity(log2 int) Option {
	return func(o *options) { o.capLog2 = log2 }
}

// WithLoadFactor sets the items-per-bucket threshold that triggers a
// doubling.
func WithLoadFactor(f float64) Option {
	return func(o *options) { o.loadFactor = f }
}

// New builds an empty set. hash must be a 64-bit hash of the key; cmp
// orders keys and is only consulted to break ties between items whose
// hashes fully collide. Hazard demand is the underlying list's; dom is
// validated the same way.
func New[K, V any](dom reclaim.Domain, hash func(K) uint64, cmp func(a, b K) int, opts ...Option) (*Set[K, V], error) {
	o := options{initialLog2: 1, capLog2: 16, loadFactor: 4}
	for _, opt := range opts {
		opt(&o)
	}
	if o.initialLog2 < 0 || o.capLog2 < o.initialLog2 || o.capLog2 > 32 || o.loadFactor <= 0 {
		return nil, reclaim.ErrPreconditionViolation
	}

	soCmp := func(a, b soKey[K]) int {
		switch {
		case a.so < b.so:
			return -1
		case a.so > b.so:
			return 1
		case a.dummy || b.dummy:
			// Equal split-order keys have equal parity, so both are
			// dummies for the same bucket.
			return 0
		default:
			return cmp(a.key, b.key)
		}
	}
	list, err := orderedlist.New[soKey[K], V](dom, soCmp)
	if err != nil {
		return nil, err
	}

	s := &Set[K, V]{
		list:       list,
		hash:       hash,
		buckets:    make([]atomic.Pointer[orderedlist.Node[soKey[K], V]], 1<<o.capLog2),
		capLog2:    o.capLog2,
		loadFactor: o.loadFactor,
	}
	s.log2.Store(uint32(o.initialLog2))

	// Bucket 0's dummy is the list head for everything else.
	d := &orderedlist.Node[soKey[K], V]{Key: soKey[K]{so: dummyKey(0), dummy: true}}
	if !list.Insert(d) {
		return nil, reclaim.ErrPreconditionViolation
	}
	s.buckets[0].Store(d)
	return s, nil
}

// bucketIndex maps a hash onto the current bucket count.
func (s *Set[K, V]) bucketIndex(h uint64) uint64 {
	return h & ((1 << s.log2.Load()) - 1)
}

// bucketDummy returns bucket b's dummy node, splicing it (and any missing
// ancestors) into the list first if this is the bucket's first use.
func (s *Set[K, V]) bucketDummy(b uint64) *orderedlist.Node[soKey[K], V] {
	if d := s.buckets[b].Load(); d != nil {
		return d
	}
	parent := s.bucketDummy(parentBucket(b))
	d := &orderedlist.Node[soKey[K], V]{Key: soKey[K]{so: dummyKey(b), dummy: true}}
	if s.list.InsertFrom(parent, d) {
		s.buckets[b].Store(d)
		return d
	}
	// Lost the splice race: the winner's dummy is in the list and its
	// bucket store is imminent. Drop ours and wait it out.
	for {
		if d := s.buckets[b].Load(); d != nil {
			return d
		}
		runtime.Gosched()
	}
}

// maybeGrow doubles the bucket count when the load factor is crossed and
// capacity allows. A lost CAS means someone else doubled; either way the
// next access sees the new exponent.
func (s *Set[K, V]) maybeGrow() {
	log2 := s.log2.Load()
	if int(log2) >= s.capLog2 {
		return
	}
	if float64(s.count.Load())/float64(uint64(1)<<log2) > s.loadFactor {
		s.log2.CompareAndSwap(log2, log2+1)
	}
}

// Insert adds key -> value; false if the key is already present.
func (s *Set[K, V]) Insert(key K, value V) bool {
	h := s.hash(key)
	d := s.bucketDummy(s.bucketIndex(h))
	n := &orderedlist.Node[soKey[K], V]{Key: soKey[K]{so: regularKey(h), key: key}, Value: value}
	if !s.list.InsertFrom(d, n) {
		return false
	}
	s.count.Add(1)
	s.maybeGrow()
	return true
}

// Ensure is update-or-insert over the value for key; fn runs against the
// winning node's value under the traversal's protection.
func (s *Set[K, V]) Ensure(key K, value V, fn func(existed bool, v *V)) (existed, inserted bool) {
	h := s.hash(key)
	d := s.bucketDummy(s.bucketIndex(h))
	n := &orderedlist.Node[soKey[K], V]{Key: soKey[K]{so: regularKey(h), key: key}, Value: value}
	existed, inserted = s.list.EnsureFrom(d, n, func(existed bool, cur *orderedlist.Node[soKey[K], V]) {
		fn(existed, &cur.Value)
	})
	if inserted {
		s.count.Add(1)
		s.maybeGrow()
	}
	return existed, inserted
}

// Erase removes key; false on a miss.
func (s *Set[K, V]) Erase(key K) bool {
	h := s.hash(key)
	d := s.bucketDummy(s.bucketIndex(h))
	if !s.list.EraseFrom(d, soKey[K]{so: regularKey(h), key: key}) {
		return false
	}
	s.count.Add(-1)
	return true
}

// Extract removes key and returns its value; ownership of the mapping
// returns to the caller.
func (s *Set[K, V]) Extract(key K) (V, bool) {
	h := s.hash(key)
	d := s.bucketDummy(s.bucketIndex(h))
	n, ok := s.list.ExtractFrom(d, soKey[K]{so: regularKey(h), key: key})
	if !ok {
		var zero V
		return zero, false
	}
	s.count.Add(-1)
	return n.Value, true
}

// Find reports whether key is present, applying fn to its value under the
// traversal's protection on a hit.
func (s *Set[K, V]) Find(key K, fn func(v *V)) bool {
	h := s.hash(key)
	d := s.bucketDummy(s.bucketIndex(h))
	return s.list.FindFrom(d, soKey[K]{so: regularKey(h), key: key}, func(n *orderedlist.Node[soKey[K], V]) {
		if fn != nil {
			fn(&n.Value)
		}
	})
}

// Size is the number of items (dummies excluded); approximate while
// writers run.
func (s *Set[K, V]) Size() int { return int(s.count.Load()) }

// Empty reports Size() == 0.
func (s *Set[K, V]) Empty() bool { return s.Size() == 0 }

// BucketCount is the current bucket count. Approximate while growers run.
func (s *Set[K, V]) BucketCount() int { return 1 << s.log2.Load() }

// Iterator walks the items in split-order, skipping the bucket dummies.
// Same best-effort snapshot semantics as the underlying list's iterator.
type Iterator[K, V any] struct {
	it *orderedlist.Iterator[soKey[K], V]
}

// Begin opens an iterator positioned before the first item.
func (s *Set[K, V]) Begin() *Iterator[K, V] {
	return &Iterator[K, V]{it: s.list.Begin()}
}

// Next advances to the next live real item; false at the end.
func (it *Iterator[K, V]) Next() bool {
	for it.it.Next() {
		if !it.it.Node().Key.dummy {
			return true
		}
	}
	return false
}

// Key returns the current item's key.
func (it *Iterator[K, V]) Key() K { return it.it.Node().Key.key }

// Value returns a pointer to the current item's value.
func (it *Iterator[K, V]) Value() *V { return &it.it.Node().Value }

// Close releases the iterator's read-side section.
func (it *Iterator[K, V]) Close() { it.it.Close() }
