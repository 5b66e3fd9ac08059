package cuckoo

import (
	"sync"

	"github.com/dijkstracula/lockfree/internal/intentlock"
)

// StripedSet maps cells onto a fixed, power-of-two array of mutex stripes;
// doubling the table never changes the stripe count. Per-stripe traffic is
// gated against whole-table resizes by an intention lock: operations enter
// IS, a resize takes X and thereby waits out every in-flight operation
// without scanning who holds what.
type StripedSet[K comparable] struct {
	core[K]
	gate    *intentlock.Lock
	stripes []paddedMutex
	mask    uint64
}

// NewStriped builds a striped-locking cuckoo set over the given hash
// functions, which must be pairwise independent (no key may collide across
// all of them, or the item has fewer than k homes).
func NewStriped[K comparable](hashFns []func(K) uint64, opts ...Option) (*StripedSet[K], error) {
	o, err := resolveOptions(len(hashFns), opts)
	if err != nil {
		return nil, err
	}
	s := &StripedSet[K]{
		gate:    intentlock.New(),
		stripes: make([]paddedMutex, o.stripes),
		mask:    uint64(o.stripes) - 1,
	}
	initCore(&s.core, hashFns, o, false)
	return s, nil
}

// idAndMutex implements lockMapper: the stripe index is the global cell
// index folded onto the stripe array.
func (s *StripedSet[K]) idAndMutex(g *generation[K], r cellRef) (uint64, *sync.Mutex) {
	id := (uint64(r.table)*g.ncells + g.cellIndex(r)) & s.mask
	return id, &s.stripes[id].Mutex
}

// Contains reports whether key is in the set.
func (s *StripedSet[K]) Contains(key K) bool {
	s.gate.LockIS()
	defer s.gate.UnlockIS()
	g := s.gen.Load()
	hs := s.hashesOf(key)
	h := newHeld[K](s)
	h.lock(g, s.refsFor(hs)...)
	defer h.release()
	return s.containsLocked(g, key, hs)
}

// Insert adds key; false if already present. A probe set pushed past its
// threshold is settled by a relocation chain after the insert, and a chain
// that cannot settle (or a crossed load threshold) triggers a doubling.
func (s *StripedSet[K]) Insert(key K) bool {
	hs := s.hashesOf(key)
	for {
		s.gate.LockIS()
		g := s.gen.Load()
		refs := s.refsFor(hs)
		h := newHeld[K](s)
		h.lock(g, refs...)

		if s.containsLocked(g, key, hs) {
			h.release()
			s.gate.UnlockIS()
			return false
		}

		// Preferred: a cell still under its quiescent threshold.
		for _, r := range refs {
			if cell := g.cell(r); len(cell.items) < s.threshold {
				cell.items = append(cell.items, s.entryOf(key, hs))
				s.count.Add(1)
				over := s.overloaded(g)
				h.release()
				s.gate.UnlockIS()
				if over {
					s.resize(g)
				}
				return true
			}
		}
		// Overflow room: insert at the probe cap and relocate afterward.
		overflow := -1
		for i, r := range refs {
			if len(g.cell(r).items) < s.probeCap {
				overflow = i
				break
			}
		}
		if overflow < 0 {
			// Every home full to the brim; only a bigger table helps.
			h.release()
			s.gate.UnlockIS()
			s.resize(g)
			continue
		}
		g.cell(refs[overflow]).items = append(g.cell(refs[overflow]).items, s.entryOf(key, hs))
		s.count.Add(1)
		h.release()

		settled := s.relocate(g, s, overflow, hs[overflow])
		s.gate.UnlockIS()
		if !settled {
			s.resize(g)
		}
		return true
	}
}

// Erase removes key; false on a miss.
func (s *StripedSet[K]) Erase(key K) bool {
	s.gate.LockIS()
	defer s.gate.UnlockIS()
	g := s.gen.Load()
	hs := s.hashesOf(key)
	h := newHeld[K](s)
	h.lock(g, s.refsFor(hs)...)
	defer h.release()
	for i, hash := range hs {
		cell := g.cell(cellRef{table: i, hash: hash})
		if idx := cell.indexOf(key); idx >= 0 {
			cell.removeAt(idx)
			s.count.Add(-1)
			return true
		}
	}
	return false
}

// resize doubles the table under whole-table exclusion. The from argument
// is the generation the caller decided on; if someone already replaced it,
// their doubling suffices.
func (s *StripedSet[K]) resize(from *generation[K]) {
	s.gate.LockX()
	defer s.gate.UnlockX()
	cur := s.gen.Load()
	if cur != from || cur.ncells*2 > s.maxCells {
		return
	}
	s.gen.Store(s.rebuild(cur, false))
}

// Range calls fn for each key until it returns false. The snapshot is per
// stripe, not global: keys moving between cells mid-walk may be seen twice
// or not at all.
func (s *StripedSet[K]) Range(fn func(key K) bool) {
	s.gate.LockIS()
	defer s.gate.UnlockIS()
	g := s.gen.Load()
	for t := range g.tables {
		for i := range g.tables[t] {
			_, mu := s.idAndMutex(g, cellRef{table: t, hash: uint64(i)})
			mu.Lock()
			items := append([]entry[K](nil), g.tables[t][i].items...)
			mu.Unlock()
			for _, e := range items {
				if !fn(e.key) {
					return
				}
			}
		}
	}
}
