package reclaim

import (
	"unsafe"
)

// Domain is the reclamation handle every container constructor consumes.
// Both the hazard-pointer domain and the three RCU flavors satisfy it, so a
// container is built once and runs unchanged over either substrate.
type Domain interface {
	// Enter opens a read-side critical section and returns its handle.
	// The section must be Closed by the same goroutine that opened it.
	// Sections nest: calling Enter again while one is open simply opens
	// another, which is how the reentrancy the RCU contract requires is
	// expressed without thread-local state.
	Enter() Section

	// Retire hands ptr to the domain for deferred disposal once no
	// read-side section can still observe it. Only call this outside any
	// section owned by the calling goroutine; from inside a traversal,
	// use the Section's own Retire, which defers the handoff until the
	// section closes. The returned error is non-nil only for RCU domains
	// configured with DeadlockFail (see DeadlockPolicy).
	Retire(ptr unsafe.Pointer, dispose Disposer) error
}

// Section is one open read-side critical section. Its Protect/Publish slots
// are what make a pointer loaded from a container's atomic word safe to
// dereference; its Retire buffers removals on a per-operation local list
// that is handed to the domain only after the section closes, so a
// traversal can retire the nodes it unlinks without ever running a grace
// period inside its own read-side section.
type Section interface {
	// Protect makes the pointer currently readable through load safe to
	// dereference, and returns it. load is re-invoked until a published
	// observation is confirmed still current (the publish-reload idiom);
	// it must therefore re-read the same atomic source on every call.
	// Under RCU the section itself is the protection and load runs once.
	Protect(slot int, load func() unsafe.Pointer) unsafe.Pointer

	// Publish records p in the given slot without the reload handshake.
	// Only valid for a pointer this section already protects through
	// another slot; used when a traversal shifts roles (pred becomes
	// curr) and the pointer is known to still be covered.
	Publish(slot int, p unsafe.Pointer)

	// Retire appends ptr to the section's local retired list. The list
	// is forwarded to the domain when the section closes.
	Retire(ptr unsafe.Pointer, dispose Disposer)

	// Close ends the section, releases its protection slots, and
	// forwards the locally retired nodes to the domain.
	Close()
}

// hpSection adapts a pooled ThreadState to the Section contract. Guard
// slots are acquired lazily the first time each logical slot index is
// protected, so a section only consumes as many hazards as the traversal
// actually publishes.
type hpSection struct {
	ts      *ThreadState
	guards  []*Guard
	pending []retiredItem
}

// Enter implements Domain. The returned section draws its ThreadState from
// the domain's free pool, registering a fresh one only when the pool is
// empty, so steady-state traversal does not touch the registration lock.
func (d *HazardDomain) Enter() Section {
	return &hpSection{
		ts:     d.takeState(),
		guards: make([]*Guard, d.slotsPerThread),
	}
}

// Retire implements Domain for callers outside any section: the item goes
// on the domain's shared retired list, which is scanned once it reaches the
// retire threshold. The error is always nil for hazard pointers; scanning
// never waits on readers.
func (d *HazardDomain) Retire(ptr unsafe.Pointer, dispose Disposer) error {
	d.sharedMu.Lock()
	d.shared = append(d.shared, retiredItem{ptr: ptr, dispose: dispose})
	shouldScan := len(d.shared) >= d.retireThreshold
	d.sharedMu.Unlock()
	if shouldScan {
		d.scanShared()
	}
	return nil
}

// scanShared is the shared-list counterpart of ThreadState.scan.
func (d *HazardDomain) scanShared() {
	hazards := d.snapshotHazards()

	d.sharedMu.Lock()
	kept := d.shared[:0]
	toDispose := make([]retiredItem, 0, len(d.shared))
	for _, item := range d.shared {
		if _, hazarded := hazards[item.ptr]; hazarded {
			kept = append(kept, item)
		} else {
			toDispose = append(toDispose, item)
		}
	}
	d.shared = kept
	d.sharedMu.Unlock()

	for _, item := range toDispose {
		item.dispose(item.ptr)
	}
}

func (s *hpSection) guard(slot int) *Guard {
	if slot >= len(s.guards) {
		// The container's constructor validated its slot demand against
		// SlotsPerThread; reaching here is a bug in the container, not a
		// recoverable condition.
		panic("reclaim: hazard slot index exceeds configured slots per thread")
	}
	g := s.guards[slot]
	if g == nil {
		var err error
		if g, err = s.ts.AcquireGuard(); err != nil {
			panic("reclaim: hazard slots exhausted mid-traversal")
		}
		s.guards[slot] = g
	}
	return g
}

func (s *hpSection) Protect(slot int, load func() unsafe.Pointer) unsafe.Pointer {
	return s.guard(slot).Protect(load)
}

func (s *hpSection) Publish(slot int, p unsafe.Pointer) {
	g := s.guard(slot)
	g.ts.slots[g.slot].Store(uintptr(p))
}

func (s *hpSection) Retire(ptr unsafe.Pointer, dispose Disposer) {
	s.pending = append(s.pending, retiredItem{ptr: ptr, dispose: dispose})
}

func (s *hpSection) Close() {
	for _, g := range s.guards {
		if g != nil {
			g.Release()
		}
	}
	// Forward after the guards are down so a triggered scan doesn't see
	// this section's own hazards pinning the nodes it just retired. The
	// shared list, not the pooled ThreadState's, takes them: a pooled
	// state may sit idle indefinitely, and items parked on it would wait
	// just as long for their next scan.
	if len(s.pending) > 0 {
		d := s.ts.domain
		d.sharedMu.Lock()
		d.shared = append(d.shared, s.pending...)
		shouldScan := len(d.shared) >= d.retireThreshold
		d.sharedMu.Unlock()
		if shouldScan {
			d.scanShared()
		}
	}
	s.pending = nil
	s.ts.domain.putState(s.ts)
	s.ts = nil
}
