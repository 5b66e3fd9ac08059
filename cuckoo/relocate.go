package cuckoo

import "sync"

// lockMapper resolves a cell reference to the mutex guarding it and a
// stable id for deduplication: the stripe index under the striped policy,
// the global cell index under the refinable one. Two refs with the same id
// share a mutex, which is how "a thread already holding a cell lock may
// need another one in the same stripe" is satisfied without recursive
// mutexes: the second acquisition is recognized and skipped.
type lockMapper[K comparable] interface {
	idAndMutex(g *generation[K], r cellRef) (uint64, *sync.Mutex)
}

// held tracks the locks one operation currently owns, in canonical
// (ascending id) acquisition order.
type held[K comparable] struct {
	mapper lockMapper[K]
	ids    []uint64
	mus    []*sync.Mutex
	seen   map[uint64]*sync.Mutex
}

func newHeld[K comparable](m lockMapper[K]) *held[K] {
	return &held[K]{mapper: m, seen: make(map[uint64]*sync.Mutex, 4)}
}

// sortedNew resolves refs, drops duplicates and already-held ids, and
// returns the remainder in ascending id order.
func (h *held[K]) sortedNew(g *generation[K], refs []cellRef) ([]uint64, []*sync.Mutex) {
	var ids []uint64
	var mus []*sync.Mutex
	for _, r := range refs {
		id, mu := h.mapper.idAndMutex(g, r)
		if _, ok := h.seen[id]; ok {
			continue
		}
		dup := false
		for _, have := range ids {
			if have == id {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		// Insertion sort; k is tiny.
		pos := len(ids)
		for pos > 0 && ids[pos-1] > id {
			pos--
		}
		ids = append(ids[:pos], append([]uint64{id}, ids[pos:]...)...)
		mus = append(mus[:pos], append([]*sync.Mutex{mu}, mus[pos:]...)...)
	}
	return ids, mus
}

// lock blocks until every lock covering refs is held, acquiring in
// canonical order; the fixed order across all threads is the deadlock
// protocol.
func (h *held[K]) lock(g *generation[K], refs ...cellRef) {
	ids, mus := h.sortedNew(g, refs)
	for i, mu := range mus {
		mu.Lock()
		h.record(ids[i], mu)
	}
}

// tryExtend try-locks whatever of refs is not already held. On any
// failure it rolls back only what this call acquired and reports false;
// the caller releases everything and retries the round.
func (h *held[K]) tryExtend(g *generation[K], refs ...cellRef) bool {
	ids, mus := h.sortedNew(g, refs)
	for i, mu := range mus {
		if !mu.TryLock() {
			for j := i - 1; j >= 0; j-- {
				mus[j].Unlock()
				h.forget(ids[j])
			}
			return false
		}
		h.record(ids[i], mu)
	}
	return true
}

func (h *held[K]) record(id uint64, mu *sync.Mutex) {
	h.ids = append(h.ids, id)
	h.mus = append(h.mus, mu)
	h.seen[id] = mu
}

func (h *held[K]) forget(id uint64) {
	for i := len(h.ids) - 1; i >= 0; i-- {
		if h.ids[i] == id {
			h.ids = append(h.ids[:i], h.ids[i+1:]...)
			h.mus = append(h.mus[:i], h.mus[i+1:]...)
			break
		}
	}
	delete(h.seen, id)
}

// release drops every held lock, newest first.
func (h *held[K]) release() {
	for i := len(h.mus) - 1; i >= 0; i-- {
		h.mus[i].Unlock()
	}
	h.mus, h.ids = h.mus[:0], h.ids[:0]
	clear(h.seen)
}

// relocate runs the bounded relocation chain: starting from the
// overflowed cell (startTable, goalHash), each round moves the cell's
// first item toward one of its alternate cells, at most relocateLimit
// times. Returns false when the chain could not settle below threshold;
// the caller resizes.
func (c *core[K]) relocate(g *generation[K], m lockMapper[K], startTable int, goalHash uint64) bool {
	t, goal := startTable, goalHash
	for round := 0; round < c.relocateLimit(); round++ {
		for {
			h := newHeld(m)
			goalRef := cellRef{table: t, hash: goal}
			h.lock(g, goalRef)
			cell := g.cell(goalRef)
			if len(cell.items) < c.threshold {
				// Settled (someone drained it for us, or an earlier round
				// already helped).
				h.release()
				return true
			}

			y := cell.items[0]
			yhs := c.entryHashes(&y)
			yrefs := c.refsFor(yhs)
			if !h.tryExtend(g, yrefs...) {
				// Contended try: abort and retry this round from scratch
				// rather than holding and waiting into a deadlock.
				h.release()
				continue
			}
			cell.removeAt(0)

			moved := false
			for i, r := range yrefs {
				if i == t {
					continue
				}
				if dst := g.cell(r); len(dst.items) < c.threshold {
					dst.items = append(dst.items, y)
					h.release()
					return true
				}
			}
			for i, r := range yrefs {
				if i == t {
					continue
				}
				if dst := g.cell(r); len(dst.items) < c.probeCap {
					// Room at the overflow level only: the problem moves
					// to that cell, and the next round chases it.
					dst.items = append(dst.items, y)
					t, goal = i, yhs[i]
					moved = true
					break
				}
			}
			if !moved {
				// Every alternate is at capacity; undo and report failure.
				cell.items = append(cell.items, y)
				h.release()
				return false
			}
			h.release()
			break
		}
	}
	return false
}
