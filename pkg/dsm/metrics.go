package dsm

// Recorder receives coherence-engine events for observability: a small set
// of named events, with a nil Recorder meaning "collect nothing" at zero
// overhead. pkg/metrics/prometheus supplies the concrete implementation
// registered by cmd/dsmd.
type Recorder interface {
	FaultResolved(write bool, fastPath bool)
	InvalidateSent(acked bool)
	RequestForwarded(reqType ReqKind)
	TransportError()
	ForwardingHops(hops int)
}

// ReqKind names a transaction type for metrics labeling, independent of the
// wire representation in internal/transport.
type ReqKind uint8

const (
	ReqKindInvalidate ReqKind = iota
	ReqKindRead
	ReqKindWrite
)

func (k ReqKind) String() string {
	switch k {
	case ReqKindInvalidate:
		return "invalidate"
	case ReqKindRead:
		return "read"
	case ReqKindWrite:
		return "write"
	default:
		return "unknown"
	}
}

// noopRecorder discards every event. Used when a Node is constructed
// without an explicit Recorder.
type noopRecorder struct{}

func (noopRecorder) FaultResolved(bool, bool)    {}
func (noopRecorder) InvalidateSent(bool)         {}
func (noopRecorder) RequestForwarded(ReqKind)    {}
func (noopRecorder) TransportError()             {}
func (noopRecorder) ForwardingHops(int)          {}
