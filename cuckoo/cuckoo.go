// Package cuckoo implements a k-ary cuckoo hash set with per-cell striped
// or refinable locking and bounded relocation chains.
//
// The set keeps k tables of N cells each; an item may live in exactly one
// of the k cells its k hash functions name. Each cell holds a small probe
// set of capacity P with quiescent threshold T = P-1: an insert may
// transiently push a cell to P items, after which a relocation chain of at
// most 2k-1 rounds shuffles items toward their alternate cells. A chain
// that cannot finish triggers a table doubling.
//
// Two concurrency-control policies are offered. StripedSet maps cells onto
// a fixed array of mutex stripes and coordinates stripe operations against
// whole-table resizes with the same intention-lock gate the striped hash
// map uses. RefinableSet grows per-cell mutexes with the table and
// excludes resizes through an owner word that resizers claim by CAS and
// operations spin on with exponential backoff.
package cuckoo

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/dijkstracula/lockfree/reclaim"
)

// entry is one stored key, with its k cell hashes cached alongside when
// the set is configured to (saves rehashing on every relocation round and
// on resize).
type entry[K comparable] struct {
	key    K
	hashes []uint64
}

// probeSet is one cell's contents. Capacity is enforced by the callers;
// the slice itself is allocated at probe capacity once.
type probeSet[K comparable] struct {
	items []entry[K]
}

func (p *probeSet[K]) indexOf(key K) int {
	for i := range p.items {
		if p.items[i].key == key {
			return i
		}
	}
	return -1
}

func (p *probeSet[K]) removeAt(i int) entry[K] {
	e := p.items[i]
	p.items = append(p.items[:i], p.items[i+1:]...)
	return e
}

// generation is one table configuration: everything a resize replaces
// wholesale. Operations resolve their generation once and revalidate
// after locking.
type generation[K comparable] struct {
	ncells uint64           // cells per table, power of two
	tables [][]probeSet[K]  // k tables
	locks  [][]paddedMutex  // per-cell locks; nil under the striped policy
}

type paddedMutex struct {
	sync.Mutex
	_ cpu.CacheLinePad
}

// cellRef names one cell by table index and the item hash that selects it.
type cellRef struct {
	table int
	hash  uint64
}

func (g *generation[K]) cellIndex(r cellRef) uint64 { return r.hash & (g.ncells - 1) }

func (g *generation[K]) cell(r cellRef) *probeSet[K] {
	return &g.tables[r.table][g.cellIndex(r)]
}

// core carries everything the two policies share.
type core[K comparable] struct {
	k          int
	probeCap   int // P
	threshold  int // T = P-1
	cacheHash  bool
	loadFactor float64
	maxCells   uint64

	hashFns []func(K) uint64
	gen     atomic.Pointer[generation[K]]
	count   atomic.Int64
}

// relocateLimit bounds a relocation chain per the algorithm: 2k-1 rounds.
func (c *core[K]) relocateLimit() int { return 2*c.k - 1 }

func (c *core[K]) hashesOf(key K) []uint64 {
	hs := make([]uint64, c.k)
	for i, fn := range c.hashFns {
		hs[i] = fn(key)
	}
	return hs
}

func (c *core[K]) entryOf(key K, hs []uint64) entry[K] {
	e := entry[K]{key: key}
	if c.cacheHash {
		e.hashes = hs
	}
	return e
}

func (c *core[K]) entryHashes(e *entry[K]) []uint64 {
	if e.hashes != nil {
		return e.hashes
	}
	return c.hashesOf(e.key)
}

func (c *core[K]) refsFor(hs []uint64) []cellRef {
	refs := make([]cellRef, c.k)
	for i, h := range hs {
		refs[i] = cellRef{table: i, hash: h}
	}
	return refs
}

// containsLocked scans the k probe sets; the caller holds their locks.
func (c *core[K]) containsLocked(g *generation[K], key K, hs []uint64) bool {
	for i, h := range hs {
		if g.cell(cellRef{table: i, hash: h}).indexOf(key) >= 0 {
			return true
		}
	}
	return false
}

// overloaded reports whether the load-threshold resize trigger fired.
func (c *core[K]) overloaded(g *generation[K]) bool {
	capacity := float64(uint64(c.k) * g.ncells * uint64(c.threshold))
	return float64(c.count.Load()) > c.loadFactor*capacity
}

// rebuild rehashes every entry into a doubled table, doubling again as
// needed until each entry lands below the quiescent threshold, so a fresh
// generation is always born within its invariants. The caller holds
// whole-table exclusion. withLocks says whether the new generation carries
// per-cell locks (refinable policy).
func (c *core[K]) rebuild(old *generation[K], withLocks bool) *generation[K] {
	ncells := old.ncells * 2
	for {
		next := newGeneration[K](c.k, ncells, c.probeCap, withLocks)
		if c.fill(next, old, c.threshold) {
			return next
		}
		if ncells*2 > c.maxCells {
			// Capped out; fill best-effort at the probe limit and let
			// later relocations fight over the rest.
			next = newGeneration[K](c.k, ncells, c.probeCap, withLocks)
			c.fill(next, old, c.probeCap)
			return next
		}
		ncells *= 2
	}
}

// fill places every old entry into its least-loaded home with room under
// limit; false means some entry had no such home at this table size.
func (c *core[K]) fill(next *generation[K], old *generation[K], limit int) bool {
	for t := range old.tables {
		for i := range old.tables[t] {
			for _, e := range old.tables[t][i].items {
				hs := c.entryHashes(&e)
				best, bestLen := -1, limit
				for j, h := range hs {
					if n := len(next.cell(cellRef{table: j, hash: h}).items); n < bestLen {
						best, bestLen = j, n
					}
				}
				if best < 0 {
					if limit < c.probeCap {
						return false
					}
					best = 0 // over the cap everywhere; overload table 0
				}
				cell := next.cell(cellRef{table: best, hash: hs[best]})
				cell.items = append(cell.items, e)
			}
		}
	}
	return true
}

func newGeneration[K comparable](k int, ncells uint64, probeCap int, withLocks bool) *generation[K] {
	g := &generation[K]{ncells: ncells, tables: make([][]probeSet[K], k)}
	for t := 0; t < k; t++ {
		g.tables[t] = make([]probeSet[K], ncells)
		for i := range g.tables[t] {
			g.tables[t][i].items = make([]entry[K], 0, probeCap)
		}
	}
	if withLocks {
		g.locks = make([][]paddedMutex, k)
		for t := 0; t < k; t++ {
			g.locks[t] = make([]paddedMutex, ncells)
		}
	}
	return g
}

// Option configures either flavor at construction.
type Option func(*options)

type options struct {
	arity       int
	ncells      uint64
	probeCap    int
	stripes     int
	cacheHashes bool
	loadFactor  float64
	maxCells    uint64
}

// WithArity pins the expected hash-function count; construction fails if
// it disagrees with the functions actually supplied or with the lock
// policy's table count.
func WithArity(k int) Option { return func(o *options) { o.arity = k } }

// WithInitialCells sets each table's starting cell count (power of two).
func WithInitialCells(n uint64) Option { return func(o *options) { o.ncells = n } }

// WithProbeCapacity sets P, each cell's hard item limit; the quiescent
// threshold is always P-1.
func WithProbeCapacity(p int) Option { return func(o *options) { o.probeCap = p } }

// WithStripes sets the striped policy's mutex count (power of two);
// ignored by the refinable policy.
func WithStripes(l int) Option { return func(o *options) { o.stripes = l } }

// WithHashCaching controls whether each entry carries its k hashes so
// relocation and resize never recompute them. On by default.
func WithHashCaching(enabled bool) Option { return func(o *options) { o.cacheHashes = enabled } }

// WithLoadFactor sets the fraction of quiescent capacity (k*N*T) above
// which an insert triggers a doubling even without a failed relocation.
func WithLoadFactor(f float64) Option { return func(o *options) { o.loadFactor = f } }

// WithMaxCells caps growth at the given per-table cell count.
func WithMaxCells(n uint64) Option { return func(o *options) { o.maxCells = n } }

// resolveOptions validates the option set against the supplied hash
// functions; the arity check is what catches a lock policy configured for
// a different k than the hash family provides.
func resolveOptions(nHashes int, opts []Option) (*options, error) {
	o := options{
		arity:       nHashes,
		ncells:      8,
		probeCap:    4,
		stripes:     64,
		cacheHashes: true,
		loadFactor:  0.75,
		maxCells:    1 << 30,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if nHashes < 2 || o.arity != nHashes {
		return nil, reclaim.ErrPreconditionViolation
	}
	if o.probeCap < 2 || o.ncells == 0 || o.ncells&(o.ncells-1) != 0 {
		return nil, reclaim.ErrPreconditionViolation
	}
	if o.stripes <= 0 || o.stripes&(o.stripes-1) != 0 {
		return nil, reclaim.ErrPreconditionViolation
	}
	if o.loadFactor <= 0 || o.maxCells < o.ncells {
		return nil, reclaim.ErrPreconditionViolation
	}
	return &o, nil
}

// initCore wires a freshly embedded core in place (the atomics inside make
// it non-copyable once in use).
func initCore[K comparable](c *core[K], hashFns []func(K) uint64, o *options, withLocks bool) {
	c.k = len(hashFns)
	c.probeCap = o.probeCap
	c.threshold = o.probeCap - 1
	c.cacheHash = o.cacheHashes
	c.loadFactor = o.loadFactor
	c.maxCells = o.maxCells
	c.hashFns = hashFns
	c.gen.Store(newGeneration[K](c.k, o.ncells, o.probeCap, withLocks))
}

// Size is the number of stored keys; approximate while writers run.
func (c *core[K]) Size() int { return int(c.count.Load()) }

// Empty reports Size() == 0.
func (c *core[K]) Empty() bool { return c.Size() == 0 }

// CellCount is each table's current cell count.
func (c *core[K]) CellCount() uint64 { return c.gen.Load().ncells }
