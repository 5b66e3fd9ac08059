// Package stripedmap implements a chained hash map under lock striping: B
// buckets guarded by a fixed set of L <= B mutexes, bucket b by mutex
// b mod L. Doubling B never changes L, so a resize re-spreads contention
// for free. Bucket-level operations and whole-table resizes coordinate
// through the same intention-lock gate the cuckoo set's striped policy
// uses: operations enter IS, a resize takes X.
//
// Chains are kept sorted by hash, so misses bail out midway through a
// bucket instead of walking it to the end.
package stripedmap

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/dijkstracula/lockfree/internal/intentlock"
	"github.com/dijkstracula/lockfree/reclaim"
)

type entry[K comparable, V any] struct {
	hash  uint64
	key   K
	value V
	next  *entry[K, V]
}

type paddedMutex struct {
	sync.Mutex
	_ cpu.CacheLinePad
}

// ResizePolicy decides when an insert should trigger a doubling.
type ResizePolicy interface {
	// ShouldResize is consulted after a successful insert with the map's
	// size, current bucket count, and the length of the bucket chain just
	// appended to.
	ShouldResize(size, buckets, chainLen int) bool
}

// LoadFactorPolicy doubles once size/buckets exceeds Threshold.
type LoadFactorPolicy struct{ Threshold float64 }

// ShouldResize implements ResizePolicy.
func (p LoadFactorPolicy) ShouldResize(size, buckets, _ int) bool {
	return float64(size)/float64(buckets) > p.Threshold
}

// BucketLengthPolicy doubles once any single chain exceeds MaxLen.
type BucketLengthPolicy struct{ MaxLen int }

// ShouldResize implements ResizePolicy.
func (p BucketLengthPolicy) ShouldResize(_, _, chainLen int) bool {
	return chainLen > p.MaxLen
}

// NeverResize pins the bucket count forever.
type NeverResize struct{}

// ShouldResize implements ResizePolicy.
func (NeverResize) ShouldResize(int, int, int) bool { return false }

// Map is a striped chained hash map. Construct with New.
type Map[K comparable, V any] struct {
	hash   func(K) uint64
	gate   *intentlock.Lock
	locks  []paddedMutex
	mask   uint64
	policy ResizePolicy

	// Replaced wholesale under the gate's X state; read under IS.
	buckets atomic.Pointer[[]*entry[K, V]]

	count atomic.Int64
}

// Option configures a Map at construction.
type Option func(*options)

type options struct {
	buckets int
	stripes int
	policy  ResizePolicy
}

// WithBuckets sets the initial bucket count (power of two).
func WithBuckets(b int) Option { return func(o *options) { o.buckets = b } }

// WithStripes sets the mutex count L (power of two, at most the bucket
// count).
func WithStripes(l int) Option { return func(o *options) { o.stripes = l } }

// WithResizePolicy overrides the default load-factor policy.
func WithResizePolicy(p ResizePolicy) Option { return func(o *options) { o.policy = p } }

// New builds an empty map hashed by hash.
func New[K comparable, V any](hash func(K) uint64, opts ...Option) (*Map[K, V], error) {
	o := options{buckets: 64, stripes: 16, policy: LoadFactorPolicy{Threshold: 4}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.buckets <= 0 || o.buckets&(o.buckets-1) != 0 ||
		o.stripes <= 0 || o.stripes&(o.stripes-1) != 0 ||
		o.stripes > o.buckets || o.policy == nil {
		return nil, reclaim.ErrPreconditionViolation
	}
	m := &Map[K, V]{
		hash:   hash,
		gate:   intentlock.New(),
		locks:  make([]paddedMutex, o.stripes),
		mask:   uint64(o.stripes) - 1,
		policy: o.policy,
	}
	buckets := make([]*entry[K, V], o.buckets)
	m.buckets.Store(&buckets)
	return m, nil
}

// lockBucket resolves key to its bucket under the current table and locks
// that bucket's stripe. Caller unlocks the returned mutex.
func (m *Map[K, V]) lockBucket(h uint64) (*[]*entry[K, V], uint64, *sync.Mutex) {
	buckets := m.buckets.Load()
	b := h & uint64(len(*buckets)-1)
	mu := &m.locks[b&m.mask].Mutex
	mu.Lock()
	return buckets, b, mu
}

// Insert adds key -> value; false if the key is already present.
func (m *Map[K, V]) Insert(key K, value V) bool {
	existed, _ := m.put(key, value, false, nil)
	return !existed
}

// Ensure is update-or-insert: fn runs with the surviving entry's value
// under the bucket lock.
func (m *Map[K, V]) Ensure(key K, value V, fn func(existed bool, v *V)) (existed, inserted bool) {
	return m.put(key, value, true, fn)
}

func (m *Map[K, V]) put(key K, value V, ensure bool, fn func(bool, *V)) (existed, inserted bool) {
	h := m.hash(key)
	m.gate.LockIS()
	buckets, b, mu := m.lockBucket(h)

	chainLen := 0
	var prev *entry[K, V]
	cur := (*buckets)[b]
	for cur != nil && cur.hash <= h {
		if cur.hash == h && cur.key == key {
			if ensure && fn != nil {
				fn(true, &cur.value)
			}
			mu.Unlock()
			m.gate.UnlockIS()
			return true, false
		}
		prev, cur = cur, cur.next
		chainLen++
	}
	e := &entry[K, V]{hash: h, key: key, value: value, next: cur}
	if prev == nil {
		(*buckets)[b] = e
	} else {
		prev.next = e
	}
	if ensure && fn != nil {
		fn(false, &e.value)
	}
	for c := cur; c != nil; c = c.next {
		chainLen++ // the suffix the walk skipped still counts toward the policy
	}
	size := int(m.count.Add(1))
	nbuckets := len(*buckets)
	mu.Unlock()
	m.gate.UnlockIS()

	if m.policy.ShouldResize(size, nbuckets, chainLen+1) {
		m.resize(nbuckets)
	}
	return false, true
}

// Find reports whether key is present, applying fn to its value under the
// bucket lock on a hit.
func (m *Map[K, V]) Find(key K, fn func(v *V)) bool {
	h := m.hash(key)
	m.gate.LockIS()
	defer m.gate.UnlockIS()
	buckets, b, mu := m.lockBucket(h)
	defer mu.Unlock()
	for cur := (*buckets)[b]; cur != nil && cur.hash <= h; cur = cur.next {
		if cur.hash == h && cur.key == key {
			if fn != nil {
				fn(&cur.value)
			}
			return true
		}
	}
	return false
}

// Get returns the value stored for key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	var v V
	ok := m.Find(key, func(p *V) { v = *p })
	return v, ok
}

// Erase removes key; false on a miss.
func (m *Map[K, V]) Erase(key K) bool {
	_, ok := m.Extract(key)
	return ok
}

// Extract removes key and returns its value.
func (m *Map[K, V]) Extract(key K) (V, bool) {
	h := m.hash(key)
	m.gate.LockIS()
	defer m.gate.UnlockIS()
	buckets, b, mu := m.lockBucket(h)
	defer mu.Unlock()

	var prev *entry[K, V]
	for cur := (*buckets)[b]; cur != nil && cur.hash <= h; cur = cur.next {
		if cur.hash == h && cur.key == key {
			if prev == nil {
				(*buckets)[b] = cur.next
			} else {
				prev.next = cur.next
			}
			m.count.Add(-1)
			return cur.value, true
		}
		prev = cur
	}
	var zero V
	return zero, false
}

// resize doubles the bucket count, rehashing every chain under the
// whole-table X state. from guards against two triggers doubling twice.
func (m *Map[K, V]) resize(from int) {
	m.gate.LockX()
	defer m.gate.UnlockX()
	old := m.buckets.Load()
	if len(*old) != from {
		return
	}
	next := make([]*entry[K, V], len(*old)*2)
	nmask := uint64(len(next) - 1)
	for _, head := range *old {
		for cur := head; cur != nil; {
			nxt := cur.next
			b := cur.hash & nmask
			// Splice preserving hash order within the new chain.
			var prev *entry[K, V]
			at := next[b]
			for at != nil && at.hash <= cur.hash {
				prev, at = at, at.next
			}
			cur.next = at
			if prev == nil {
				next[b] = cur
			} else {
				prev.next = cur
			}
			cur = nxt
		}
	}
	m.buckets.Store(&next)
}

// Size is the number of mappings; approximate while writers run.
func (m *Map[K, V]) Size() int { return int(m.count.Load()) }

// Empty reports Size() == 0.
func (m *Map[K, V]) Empty() bool { return m.Size() == 0 }

// BucketCount is the current bucket count.
func (m *Map[K, V]) BucketCount() int { return len(*m.buckets.Load()) }

// Range calls fn for each mapping until it returns false. Per-bucket
// snapshot semantics: concurrent movers may be seen twice or missed.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.gate.LockIS()
	defer m.gate.UnlockIS()
	buckets := m.buckets.Load()
	for b := range *buckets {
		mu := &m.locks[uint64(b)&m.mask].Mutex
		mu.Lock()
		var pairs []entry[K, V]
		for cur := (*buckets)[b]; cur != nil; cur = cur.next {
			pairs = append(pairs, entry[K, V]{key: cur.key, value: cur.value})
		}
		mu.Unlock()
		for _, p := range pairs {
			if !fn(p.key, p.value) {
				return
			}
		}
	}
}
