// Package reclaim implements the safe-memory-reclamation substrate shared
// by every container in this module: a hazard-pointer domain (this file)
// and three read-copy-update flavors (rcu*.go). Both present the same
// contract to callers: open a read-side critical section for the whole
// traversal, never dereference a pointer loaded atomically without either a
// published hazard or a held read-side lock, and never free a node
// directly — always retire it through the domain.
//
// Unlike the C++ original this is ported from, there is no process-wide
// singleton registry: a Domain is an explicit value threaded through every
// container, the way _examples/dijkstracula-go-ilock threads an explicit
// *Mutex value through every caller rather than reaching for package-level
// state. Containers never need RegisterThread: each Enter borrows a
// registered *ThreadState from the domain's pool (registering a new one
// only when the pool is empty) and returns it on Close. RegisterThread is
// for callers that drive guards and retirement on a ThreadState directly.
package reclaim

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// Disposer is called, at most once, on a retired pointer once the domain has
// proven no thread can still observe it.
type Disposer func(ptr unsafe.Pointer)

// HazardDomain is a hazard-pointer reclamation domain. The zero value is not
// usable; construct with NewHazardDomain.
type HazardDomain struct {
	slotsPerThread  int
	retireThreshold int

	mu      sync.RWMutex
	threads []*ThreadState
	pool    []*ThreadState

	// Shared retired list for section handoffs and domain-level Retire;
	// per-thread lists stay with their ThreadState.
	sharedMu sync.Mutex
	shared   []retiredItem
}

// NewHazardDomain constructs a domain whose threads each get slotsPerThread
// guard slots, and whose retire lists are scanned once they reach
// retireThreshold entries (spec's R). Per spec §7, ErrResourceExhausted is
// meant to be detected at container construction by comparing a container's
// declared slot demand (e.g. 2*H_max+3 for the skip list) against
// slotsPerThread; NewHazardDomain itself only rejects a nonsensical zero or
// negative configuration.
func NewHazardDomain(slotsPerThread, retireThreshold int) (*HazardDomain, error) {
	if slotsPerThread <= 0 || retireThreshold <= 0 {
		return nil, ErrPreconditionViolation
	}
	return &HazardDomain{slotsPerThread: slotsPerThread, retireThreshold: retireThreshold}, nil
}

// SlotsPerThread reports the guard-slot budget each ThreadState carries,
// so a container constructor can validate it has enough before ever
// touching the domain (see ErrResourceExhausted).
func (d *HazardDomain) SlotsPerThread() int { return d.slotsPerThread }

// ThreadState is the per-goroutine registration handle returned by
// RegisterThread. It must not be shared across goroutines, matching the
// spec's "Hazard slots are per-thread" resource policy.
type ThreadState struct {
	domain *HazardDomain

	// Slot words are what every other thread's scan loops over; the pad
	// keeps one thread's publish traffic off its neighbors' cache lines.
	slots []atomic.Uintptr
	_     cpu.CacheLinePad

	inUse  []bool
	freeAt int // next slot index to probe when acquiring a guard

	mu      sync.Mutex // guards retired and inUse; not on the hot read path
	retired []retiredItem
}

type retiredItem struct {
	ptr     unsafe.Pointer
	dispose Disposer
}

// RegisterThread adds a new thread to the domain and returns its handle.
// Call UnregisterThread when the calling goroutine is done using the
// domain (typically via defer).
func (d *HazardDomain) RegisterThread() *ThreadState {
	ts := &ThreadState{
		domain: d,
		slots:  make([]atomic.Uintptr, d.slotsPerThread),
		inUse:  make([]bool, d.slotsPerThread),
	}
	d.mu.Lock()
	d.threads = append(d.threads, ts)
	d.mu.Unlock()
	return ts
}

// takeState pops a registered ThreadState off the free pool, registering a
// new one only when the pool is dry. Pooled states stay registered with the
// domain the whole time, so their slot arrays remain visible to every scan.
func (d *HazardDomain) takeState() *ThreadState {
	d.mu.Lock()
	if n := len(d.pool); n > 0 {
		ts := d.pool[n-1]
		d.pool = d.pool[:n-1]
		d.mu.Unlock()
		return ts
	}
	d.mu.Unlock()
	return d.RegisterThread()
}

// putState returns a ThreadState to the free pool once its section closes.
func (d *HazardDomain) putState(ts *ThreadState) {
	d.mu.Lock()
	d.pool = append(d.pool, ts)
	d.mu.Unlock()
}

// UnregisterThread removes ts from the domain and disposes whatever it can
// of its own retired list before returning.
func (d *HazardDomain) UnregisterThread(ts *ThreadState) {
	d.mu.Lock()
	for i, t := range d.threads {
		if t == ts {
			d.threads = append(d.threads[:i], d.threads[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	ts.scan()
}

// Guard is one reserved hazard-pointer slot, valid for the lifetime of the
// traversal that acquired it.
type Guard struct {
	ts   *ThreadState
	slot int
}

// AcquireGuard reserves a free slot on ts. It returns ErrResourceExhausted
// if every slot configured for this thread is already in use — this is the
// runtime counterpart of the construction-time check described on
// HazardDomain.SlotsPerThread.
func (ts *ThreadState) AcquireGuard() (*Guard, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := len(ts.inUse)
	for i := 0; i < n; i++ {
		idx := (ts.freeAt + i) % n
		if !ts.inUse[idx] {
			ts.inUse[idx] = true
			ts.freeAt = (idx + 1) % n
			return &Guard{ts: ts, slot: idx}, nil
		}
	}
	return nil, ErrResourceExhausted
}

// Release clears and frees the guard's slot. The guard must not be used
// afterward.
func (g *Guard) Release() {
	g.ts.slots[g.slot].Store(0)
	g.ts.mu.Lock()
	g.ts.inUse[g.slot] = false
	g.ts.mu.Unlock()
}

// Protect implements the spec's publish-reload idiom:
//
//	loop { p = load(); publish p into slot; p2 = load(); if p == p2 return p }
//
// load must read the same atomic source each call (typically the pointer
// half of a markptr.Ptr); the acquire/release pairing the spec requires
// falls out of Go's sequentially-consistent atomic package.
func (g *Guard) Protect(load func() unsafe.Pointer) unsafe.Pointer {
	for {
		p := load()
		g.ts.slots[g.slot].Store(uintptr(p))
		p2 := load()
		if p2 == p {
			return p
		}
	}
}

// Retire hands ptr to the domain for deferred disposal: it is appended to
// the calling thread's retired list, and once that list reaches the
// domain's retireThreshold, a scan runs that frees every retired pointer no
// longer hazarded by any registered thread.
func (ts *ThreadState) Retire(ptr unsafe.Pointer, dispose Disposer) {
	ts.mu.Lock()
	ts.retired = append(ts.retired, retiredItem{ptr: ptr, dispose: dispose})
	shouldScan := len(ts.retired) >= ts.domain.retireThreshold
	ts.mu.Unlock()
	if shouldScan {
		ts.scan()
	}
}

// scan collects the union of all published hazards across every registered
// thread, then disposes of any of ts's retired pointers that aren't in that
// set.
func (ts *ThreadState) scan() {
	hazards := ts.domain.snapshotHazards()

	ts.mu.Lock()
	kept := ts.retired[:0]
	toDispose := make([]retiredItem, 0, len(ts.retired))
	for _, item := range ts.retired {
		if _, hazarded := hazards[item.ptr]; hazarded {
			kept = append(kept, item)
		} else {
			toDispose = append(toDispose, item)
		}
	}
	ts.retired = kept
	ts.mu.Unlock()

	for _, item := range toDispose {
		item.dispose(item.ptr)
	}
}

func (d *HazardDomain) snapshotHazards() map[unsafe.Pointer]struct{} {
	d.mu.RLock()
	threads := make([]*ThreadState, len(d.threads))
	copy(threads, d.threads)
	d.mu.RUnlock()

	hazards := make(map[unsafe.Pointer]struct{})
	for _, t := range threads {
		for i := range t.slots {
			if p := t.slots[i].Load(); p != 0 {
				hazards[unsafe.Pointer(p)] = struct{}{}
			}
		}
	}
	return hazards
}
