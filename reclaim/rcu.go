package reclaim

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// DeadlockPolicy selects what an RCU domain does when a writer-side call
// that needs a grace period arrives while read-side sections are still
// open. Go offers no way to tell the caller's own section from anyone
// else's, so the check is conservative: any open section counts. The
// DESIGN notes record this flattening.
type DeadlockPolicy int

const (
	// DeadlockIgnore runs the grace period anyway; if the caller really
	// is inside its own read-side section, it will wait on itself. The
	// caller accepted that risk by picking this policy. Default.
	DeadlockIgnore DeadlockPolicy = iota

	// DeadlockFail makes Retire return ErrDeadlock instead of waiting.
	DeadlockFail

	// DeadlockDefer queues the retirement past the bounded ring and
	// drains it on the next grace period that runs unobstructed.
	DeadlockDefer
)

// Option configures an RCU domain at construction.
type Option func(*rcuConfig)

type rcuConfig struct {
	policy DeadlockPolicy
}

// WithDeadlockPolicy overrides the domain's deadlock policy.
func WithDeadlockPolicy(p DeadlockPolicy) Option {
	return func(c *rcuConfig) { c.policy = p }
}

// rcuCore is the generation machinery shared by all three flavors: readers
// register in the cell for the generation they observed, Synchronize flips
// the generation and waits for the superseded cell to drain.
type rcuCore struct {
	gen     atomic.Uint64
	readers [2]readerCell

	// Serializes grace periods; consecutive generations share a parity
	// cell, so two writers flipping concurrently would confuse each
	// other's drain condition.
	writerMu sync.Mutex
}

type readerCell struct {
	n atomic.Int64
	_ cpu.CacheLinePad
}

// readLock registers the caller as a reader of the current generation and
// returns that generation for the paired readUnlock. The add-then-reread
// loop is the same publish-reload handshake the hazard-pointer guard uses:
// a registration that raced with a generation flip is retracted and
// retried, so Synchronize never waits on a reader that actually entered
// the next generation.
func (c *rcuCore) readLock() uint64 {
	for {
		g := c.gen.Load()
		c.readers[g&1].n.Add(1)
		if c.gen.Load() == g {
			return g
		}
		c.readers[g&1].n.Add(-1)
	}
}

func (c *rcuCore) readUnlock(gen uint64) {
	c.readers[gen&1].n.Add(-1)
}

func (c *rcuCore) activeReaders() int64 {
	return c.readers[0].n.Load() + c.readers[1].n.Load()
}

// synchronize returns once every reader registered at the time of the call
// has unlocked at least once.
func (c *rcuCore) synchronize() {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	g := c.gen.Load()
	c.gen.Store(g + 1)
	backoff := 10 * time.Microsecond
	for c.readers[g&1].n.Load() != 0 {
		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// rcuSection is the Section for every RCU flavor. Protection is the open
// read lock itself; the slots do nothing.
type rcuSection struct {
	owner   rcuDomain
	core    *rcuCore
	gen     uint64
	pending []retiredItem
}

// rcuDomain is the internal seam between a section and its flavor: the
// section forwards its locally retired nodes through retireDeferred, which
// never fails and runs a grace period only when no section is open, with
// one exception: a GeneralThreaded domain that has been Closed runs one
// inline for each forwarded item, whatever sections are open.
type rcuDomain interface {
	Domain
	retireDeferred(item retiredItem)
}

func (s *rcuSection) Protect(_ int, load func() unsafe.Pointer) unsafe.Pointer {
	return load()
}

func (s *rcuSection) Publish(int, unsafe.Pointer) {}

func (s *rcuSection) Retire(ptr unsafe.Pointer, dispose Disposer) {
	s.pending = append(s.pending, retiredItem{ptr: ptr, dispose: dispose})
}

func (s *rcuSection) Close() {
	s.core.readUnlock(s.gen)
	for _, item := range s.pending {
		s.owner.retireDeferred(item)
	}
	s.pending = nil
}

// GeneralInstant is the simplest RCU flavor: Retire runs a full grace
// period synchronously and disposes on the spot. Construct with
// NewGeneralInstant.
type GeneralInstant struct {
	core   rcuCore
	policy DeadlockPolicy

	mu       sync.Mutex
	deferred []retiredItem
}

// NewGeneralInstant returns a ready-to-use instant-reclamation domain.
func NewGeneralInstant(opts ...Option) *GeneralInstant {
	cfg := rcuConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return &GeneralInstant{policy: cfg.policy}
}

// Enter implements Domain.
func (d *GeneralInstant) Enter() Section {
	return &rcuSection{owner: d, core: &d.core, gen: d.core.readLock()}
}

// Retire implements Domain: synchronize immediately, then dispose, subject
// to the deadlock policy when sections are still open.
func (d *GeneralInstant) Retire(ptr unsafe.Pointer, dispose Disposer) error {
	item := retiredItem{ptr: ptr, dispose: dispose}
	if d.core.activeReaders() > 0 {
		switch d.policy {
		case DeadlockFail:
			return ErrDeadlock
		case DeadlockDefer:
			d.retireDeferred(item)
			return nil
		}
	}
	d.core.synchronize()
	d.drainDeferred()
	item.dispose(item.ptr)
	return nil
}

// Synchronize blocks until every section open at the time of the call has
// closed, then disposes anything deferred behind earlier grace periods.
func (d *GeneralInstant) Synchronize() {
	d.core.synchronize()
	d.drainDeferred()
}

func (d *GeneralInstant) retireDeferred(item retiredItem) {
	d.mu.Lock()
	d.deferred = append(d.deferred, item)
	pending := len(d.deferred)
	d.mu.Unlock()
	// Opportunistic drain: once nobody reads, one grace period frees the
	// whole backlog.
	if pending > 0 && d.core.activeReaders() == 0 {
		d.core.synchronize()
		d.drainDeferred()
	}
}

func (d *GeneralInstant) drainDeferred() {
	d.mu.Lock()
	items := d.deferred
	d.deferred = nil
	d.mu.Unlock()
	for _, item := range items {
		item.dispose(item.ptr)
	}
}

// Close runs a final grace period and disposes everything still queued.
func (d *GeneralInstant) Close() error {
	d.Synchronize()
	return nil
}

// GeneralBuffered batches retirements in a bounded ring; the caller that
// fills the ring pays for the grace period and drains it. Construct with
// NewGeneralBuffered.
type GeneralBuffered struct {
	core     rcuCore
	policy   DeadlockPolicy
	capacity int

	mu   sync.Mutex
	ring []retiredItem
}

// NewGeneralBuffered returns a buffered domain whose ring holds capacity
// retirements before a grace period is forced.
func NewGeneralBuffered(capacity int, opts ...Option) (*GeneralBuffered, error) {
	if capacity <= 0 {
		return nil, ErrPreconditionViolation
	}
	cfg := rcuConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return &GeneralBuffered{
		policy:   cfg.policy,
		capacity: capacity,
		ring:     make([]retiredItem, 0, capacity),
	}, nil
}

// Enter implements Domain.
func (d *GeneralBuffered) Enter() Section {
	return &rcuSection{owner: d, core: &d.core, gen: d.core.readLock()}
}

// Retire implements Domain: enqueue, and when the ring fills, run one
// grace period and dispose the whole batch.
func (d *GeneralBuffered) Retire(ptr unsafe.Pointer, dispose Disposer) error {
	d.mu.Lock()
	d.ring = append(d.ring, retiredItem{ptr: ptr, dispose: dispose})
	full := len(d.ring) >= d.capacity
	d.mu.Unlock()
	if !full {
		return nil
	}
	if d.core.activeReaders() > 0 {
		switch d.policy {
		case DeadlockFail:
			return ErrDeadlock
		case DeadlockDefer:
			// The ring grows past capacity until a grace period can run
			// unobstructed; the next Retire or Synchronize drains it.
			return nil
		}
	}
	d.Synchronize()
	return nil
}

// Synchronize runs one grace period and disposes every queued retirement.
func (d *GeneralBuffered) Synchronize() {
	d.core.synchronize()
	d.mu.Lock()
	items := d.ring
	d.ring = make([]retiredItem, 0, d.capacity)
	d.mu.Unlock()
	for _, item := range items {
		item.dispose(item.ptr)
	}
}

func (d *GeneralBuffered) retireDeferred(item retiredItem) {
	d.mu.Lock()
	d.ring = append(d.ring, item)
	full := len(d.ring) >= d.capacity
	d.mu.Unlock()
	if full && d.core.activeReaders() == 0 {
		d.Synchronize()
	}
}

// Pending reports how many retirements are queued behind the next grace
// period. Exposed for tests and capacity tuning.
func (d *GeneralBuffered) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ring)
}

// Close drains the ring behind a final grace period.
func (d *GeneralBuffered) Close() error {
	d.Synchronize()
	return nil
}

// GeneralThreaded offloads grace periods to a dedicated reclaimer
// goroutine; Retire never blocks on a grace period. Construct with
// NewGeneralThreaded and stop with Close.
type GeneralThreaded struct {
	core rcuCore

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []retiredItem
	closed bool
	done   chan struct{}
}

// NewGeneralThreaded starts the reclaimer goroutine and returns the domain.
func NewGeneralThreaded(opts ...Option) *GeneralThreaded {
	// The deadlock policy is accepted for interface symmetry but moot
	// here: Retire never runs a grace period on the caller.
	cfg := rcuConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	d := &GeneralThreaded{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.reclaimLoop()
	return d
}

// Enter implements Domain.
func (d *GeneralThreaded) Enter() Section {
	return &rcuSection{owner: d, core: &d.core, gen: d.core.readLock()}
}

// Retire implements Domain: hand the item to the reclaimer and return.
func (d *GeneralThreaded) Retire(ptr unsafe.Pointer, dispose Disposer) error {
	d.retireDeferred(retiredItem{ptr: ptr, dispose: dispose})
	return nil
}

func (d *GeneralThreaded) retireDeferred(item retiredItem) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		// The domain is shutting down; the reclaimer is gone, so pay for
		// one grace period inline and dispose.
		d.core.synchronize()
		item.dispose(item.ptr)
		return
	}
	d.queue = append(d.queue, item)
	d.mu.Unlock()
	d.cond.Signal()
}

func (d *GeneralThreaded) reclaimLoop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		if len(batch) > 0 {
			d.core.synchronize()
			for _, item := range batch {
				item.dispose(item.ptr)
			}
		}
		if closed {
			return
		}
	}
}

// Synchronize runs a grace period on the caller, independent of the
// reclaimer's own cadence.
func (d *GeneralThreaded) Synchronize() {
	d.core.synchronize()
}

// Close stops the reclaimer after it drains the queue behind a final grace
// period.
func (d *GeneralThreaded) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.cond.Signal()
	<-d.done
	return nil
}
