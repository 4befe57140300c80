package dsm

import "errors"

// Error kinds returned by the coherence engine. These map directly onto the
// error taxonomy in the design: every caller-visible failure is one of these
// sentinels, checked with errors.Is, except InvariantViolation which is never
// returned — it is raised as a panic because it signals a programming error
// the protocol cannot recover from.
var (
	// ErrStopped is returned when the node is shutting down. Callers must
	// not install access rights after receiving it.
	ErrStopped = errors.New("dsm: node is stopped")

	// ErrNotConnected is returned when a restricted-context fault needs a
	// connection that does not yet exist. The fault must be retried from a
	// context that allows sleeping.
	ErrNotConnected = errors.New("dsm: not connected and context is restricted")

	// ErrTransportFailure is returned when send/recv fails fatally. The
	// transaction is abandoned; local state for the page is left untouched.
	ErrTransportFailure = errors.New("dsm: transport failure")

	// ErrWouldBlock is returned by the request handlers when the page is
	// pinned. The transport's dispatch retries such a request a bounded
	// number of times and then reports it to the requester, whose transport
	// returns ErrWouldBlock from Do. The fault resolver does not retry on
	// it, in restricted contexts or elsewhere; it returns it to its caller.
	ErrWouldBlock = errors.New("dsm: would block")

	// ErrOutOfMemory is returned when a page or response buffer cannot be
	// allocated. The vCPU fault is expected to retry later.
	ErrOutOfMemory = errors.New("dsm: out of memory")
)

// InvariantViolation marks an impossible protocol state (e.g. an owner
// receiving an INVALIDATE for a page it still owns as OWNER|MODIFIED). It is
// never returned as an error value; raiseInvariant panics with it.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return "dsm: invariant violation: " + e.Reason
}

// raiseInvariant aborts the process on a broken protocol invariant. There is
// no recovery path: a node that observes this has diverged from every other
// node's view of the page and cannot be trusted to continue serving it.
func raiseInvariant(reason string) {
	panic(&InvariantViolation{Reason: reason})
}
