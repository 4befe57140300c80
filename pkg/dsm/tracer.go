package dsm

// Tracer receives span boundaries for the two operations the coherence
// engine performs: a client-side fault resolution and a server-side
// transaction. The returned func must be called exactly once, with the
// operation's outcome, to close the span. A nil Tracer means "trace
// nothing" at zero overhead; internal/telemetry supplies the concrete
// OpenTelemetry-backed implementation registered by cmd/dsmd.
type Tracer interface {
	StartFault(gfn GFN, isSMM, write bool) func(error)
	StartTransaction(reqType ReqKind, gfn GFN, isSMM bool) func(error)
}

// noopTracer discards every span. Used when a Node is constructed without
// an explicit Tracer.
type noopTracer struct{}

func (noopTracer) StartFault(GFN, bool, bool) func(error)          { return noopEnd }
func (noopTracer) StartTransaction(ReqKind, GFN, bool) func(error) { return noopEnd }

func noopEnd(error) {}
