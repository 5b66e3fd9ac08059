package cuckoo

import (
	"sync"
	"time"

	"github.com/dijkstracula/lockfree/internal/intentlock"
	"github.com/dijkstracula/lockfree/markptr"
)

// resizeToken is what a resizer CASes into the owner word; the word's tag
// bit is the "resize in progress" flag.
type resizeToken struct {
	_ int64 // distinct allocations; a zero-size token would alias
}

// RefinableSet grows its lock array with the table: every cell has its own
// mutex, so contention stays put as the set doubles. Resizes claim an
// owner word by CAS; operations observing the flag back off exponentially
// until the resizer publishes the next generation.
type RefinableSet[K comparable] struct {
	core[K]
	owner markptr.Ptr[resizeToken]
}

// NewRefinable builds a refinable-locking cuckoo set over the given hash
// functions; the independence requirement is the same as NewStriped's.
func NewRefinable[K comparable](hashFns []func(K) uint64, opts ...Option) (*RefinableSet[K], error) {
	o, err := resolveOptions(len(hashFns), opts)
	if err != nil {
		return nil, err
	}
	s := &RefinableSet[K]{}
	initCore(&s.core, hashFns, o, true)
	return s, nil
}

// idAndMutex implements lockMapper over the generation's own lock grid.
func (s *RefinableSet[K]) idAndMutex(g *generation[K], r cellRef) (uint64, *sync.Mutex) {
	idx := g.cellIndex(r)
	return uint64(r.table)*g.ncells + idx, &g.locks[r.table][idx].Mutex
}

// acquire locks the cells for refs against a stable generation: wait out
// any resizer, lock, then confirm no resizer slipped in and the
// generation still stands. The confirm-after-lock is what lets a resizer
// take every cell lock and know no operation is straddling the swap.
func (s *RefinableSet[K]) acquire(refs func(g *generation[K]) []cellRef) (*generation[K], *held[K]) {
	backoff := intentlock.StartingBackoff
	for {
		for {
			if _, flag := s.owner.Load(); flag == 0 {
				break
			}
			time.Sleep(backoff)
			if backoff < intentlock.MaxBackoff {
				backoff *= intentlock.BackoffFactor
			}
		}
		g := s.gen.Load()
		h := newHeld[K](s)
		h.lock(g, refs(g)...)
		if _, flag := s.owner.Load(); flag == 0 && s.gen.Load() == g {
			return g, h
		}
		h.release()
		time.Sleep(backoff)
		if backoff < intentlock.MaxBackoff {
			backoff *= intentlock.BackoffFactor
		}
	}
}

// Contains reports whether key is in the set.
func (s *RefinableSet[K]) Contains(key K) bool {
	hs := s.hashesOf(key)
	g, h := s.acquire(func(g *generation[K]) []cellRef { return s.refsFor(hs) })
	defer h.release()
	return s.containsLocked(g, key, hs)
}

// Insert adds key; false if already present.
func (s *RefinableSet[K]) Insert(key K) bool {
	hs := s.hashesOf(key)
	for {
		g, h := s.acquire(func(g *generation[K]) []cellRef { return s.refsFor(hs) })
		refs := s.refsFor(hs)

		if s.containsLocked(g, key, hs) {
			h.release()
			return false
		}
		for _, r := range refs {
			if cell := g.cell(r); len(cell.items) < s.threshold {
				cell.items = append(cell.items, s.entryOf(key, hs))
				s.count.Add(1)
				over := s.overloaded(g)
				h.release()
				if over {
					s.resize(g)
				}
				return true
			}
		}
		overflow := -1
		for i, r := range refs {
			if len(g.cell(r).items) < s.probeCap {
				overflow = i
				break
			}
		}
		if overflow < 0 {
			h.release()
			s.resize(g)
			continue
		}
		g.cell(refs[overflow]).items = append(g.cell(refs[overflow]).items, s.entryOf(key, hs))
		s.count.Add(1)
		h.release()

		if !s.relocate(g, s, overflow, hs[overflow]) {
			s.resize(g)
		}
		return true
	}
}

// Erase removes key; false on a miss.
func (s *RefinableSet[K]) Erase(key K) bool {
	hs := s.hashesOf(key)
	g, h := s.acquire(func(g *generation[K]) []cellRef { return s.refsFor(hs) })
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

// resize claims the owner word, drains in-flight operations by walking
// every cell lock of the generation being replaced, and publishes the
// doubled generation. Losing the owner CAS means another resizer is on it;
// losing the generation race means it already finished.
func (s *RefinableSet[K]) resize(from *generation[K]) {
	token := &resizeToken{}
	backoff := intentlock.StartingBackoff
	for {
		if s.gen.Load() != from {
			return
		}
		if s.owner.CompareAndSwap(nil, 0, token, 1) {
			break
		}
		time.Sleep(backoff)
		if backoff < intentlock.MaxBackoff {
			backoff *= intentlock.BackoffFactor
		}
	}
	if s.gen.Load() == from && from.ncells*2 <= s.maxCells {
		// Every acquire validates the owner flag after locking, so once
		// each cell lock has been held once, no operation from before the
		// flag can still be inside.
		for t := range from.locks {
			for i := range from.locks[t] {
				from.locks[t][i].Lock()
			}
		}
		s.gen.Store(s.rebuild(from, true))
		for t := range from.locks {
			for i := range from.locks[t] {
				from.locks[t][i].Unlock()
			}
		}
	}
	s.owner.CompareAndSwap(token, 1, nil, 0)
}

// Range calls fn for each key until it returns false; per-cell snapshot
// semantics, as with StripedSet.Range.
func (s *RefinableSet[K]) Range(fn func(key K) bool) {
	g, h := s.acquire(func(g *generation[K]) []cellRef { return nil })
	h.release()
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
