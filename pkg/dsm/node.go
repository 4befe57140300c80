package dsm

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// PageSize is the fixed guest page size this module operates on.
const PageSize = 4096

// respBuf is the fixed-size scratch object drawn from Node's response pool,
// sized so it survives allocation in a restricted context (the design calls
// out that response objects must come from a dedicated fixed-size pool for
// exactly this reason).
type respBuf struct {
	page [PageSize]byte
}

// Node is a single participant in the coherence cluster: it owns the local
// page table, the hypervisor collaborators, the transport to its peers, and
// the two pieces of process-wide mutable state the design allows (the
// jitter toggle and the response-object pool).
type Node struct {
	self NodeID

	Table     *Table
	Hyp       Hypervisor
	Transport Sender

	// TwinStore keeps a reference copy of pages this node has received but
	// does not (yet) own, for diff encoding if it later becomes the owner.
	// Optional: nil means twins are never stored locally.
	TwinStore TwinStore

	// stopped is set during graceful shutdown; PageFault and HandleRequest
	// both check it and refuse to proceed once true.
	stopped atomic.Bool

	// enableJitter is the module-wide, runtime-mutable toggle from design
	// When set, server handlers sleep a random sub-10µs interval
	// before dispatch to desynchronize request storms.
	enableJitter atomic.Bool

	respPool sync.Pool

	metrics Recorder
	tracer  Tracer
}

// Sender is the subset of transport.Transport the coherence core calls
// directly. It is declared here, rather than imported from
// internal/transport, to keep pkg/dsm free of a dependency on the wire
// format or any specific transport implementation — callers supply an
// adapter satisfying this interface (internal/transport.Transport does,
// and so does the in-process router used by this package's tests).
type Sender interface {
	// Do sends req to peer and returns the decoded response, or one of the
	// sentinel errors in errors.go. nonBlocking requests the non-sleeping
	// path used from restricted contexts.
	Do(peer NodeID, req OutgoingRequest, nonBlocking bool) (*IncomingResponse, error)
}

// OutgoingRequest is the information the fault resolver and request
// forwarder need to send, independent of wire encoding.
type OutgoingRequest struct {
	Type      ReqKind
	Requester NodeID
	Sender    NodeID
	Key       Key
	Version   uint64
}

// IncomingResponse is the decoded reply to an OutgoingRequest.
type IncomingResponse struct {
	InvCopyset Copyset
	Version    uint64
	Payload    []byte
}

// TwinStore persists a reference copy of a page for later diff encoding.
// internal/diffcodec supplies the default in-memory implementation.
type TwinStore interface {
	Store(key Key, page []byte) error
	Fetch(key Key, recipient NodeID) ([]byte, bool)
	Evict(key Key)
}

// NewNode constructs a Node with self as its local node ID. The caller must
// set Table, Hyp, and Transport before driving any faults.
func NewNode(self NodeID, table *Table, hyp Hypervisor, sender Sender, metrics Recorder) *Node {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	n := &Node{
		self:      self,
		Table:     table,
		Hyp:       hyp,
		Transport: sender,
		metrics:   metrics,
		tracer:    noopTracer{},
	}
	n.respPool.New = func() any { return new(respBuf) }
	return n
}

// SetTracer installs the Tracer used to emit spans for subsequent faults
// and transactions. Passing nil reverts to tracing nothing.
func (n *Node) SetTracer(t Tracer) {
	if t == nil {
		t = noopTracer{}
	}
	n.tracer = t
}

// Self returns the node's own ID.
func (n *Node) Self() NodeID { return n.self }

// Stop marks the node as shutting down. Subsequent PageFault and
// HandleRequest calls return ErrStopped.
func (n *Node) Stop() { n.stopped.Store(true) }

// Stopped reports whether Stop has been called.
func (n *Node) Stopped() bool { return n.stopped.Load() }

// SetJitter toggles the module-wide jitter knob at runtime.
func (n *Node) SetJitter(enabled bool) { n.enableJitter.Store(enabled) }

// jitterEnabled reports the current jitter toggle.
func (n *Node) jitterEnabled() bool { return n.enableJitter.Load() }

// maybeJitter sleeps a random sub-10µs interval when the jitter toggle is
// on, desynchronizing request storms from many requesters hitting the same
// page at once. It never sleeps in a restricted context: a blocked vCPU
// thread can't afford it, and the caller has already taken that into
// account by checking restricted() before invoking the handler.
func (n *Node) maybeJitter() {
	if !n.jitterEnabled() {
		return
	}
	time.Sleep(time.Duration(rand.Int63n(10_000)) * time.Nanosecond)
}

// getRespBuf draws a scratch page buffer from the fixed-size pool.
func (n *Node) getRespBuf() *respBuf {
	return n.respPool.Get().(*respBuf)
}

// putRespBuf returns a scratch buffer to the pool.
func (n *Node) putRespBuf(b *respBuf) {
	n.respPool.Put(b)
}
