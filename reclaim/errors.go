package reclaim

import "errors"

// Sentinel errors raised by the reclamation substrate and, by extension,
// the container constructors/mutators that depend on it. NotFound and
// AlreadyExists are deliberately absent here: per spec they are silent,
// reported as plain bool/(V, bool) returns rather than errors.
var (
	// ErrDeadlock is raised by an RCU domain configured with DeadlockFail
	// when Retire would have to run a grace period while any read-side
	// section is open; the domain cannot tell the caller's own section
	// from another goroutine's (see DeadlockPolicy).
	ErrDeadlock = errors.New("reclaim: mutating call from within own read-side section")

	// ErrResourceExhausted is raised at container construction when too
	// few hazard-pointer guard slots were configured for that container's
	// traversal demand (e.g. fewer than 2*H_max+3 for a skip list).
	ErrResourceExhausted = errors.New("reclaim: too few hazard-pointer guard slots configured")

	// ErrPreconditionViolation is raised for misaligned node pointers (the
	// marked-pointer tag space requires alignment) or other construction
	// time arity mismatches (e.g. cuckoo's k not matching its lock
	// policy's k).
	ErrPreconditionViolation = errors.New("reclaim: precondition violated")
)
