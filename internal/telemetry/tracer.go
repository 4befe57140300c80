package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys attached to coherence-engine spans.
const (
	AttrNode     = "dsm.node"      // local node ID handling the span
	AttrPeer     = "dsm.peer"      // remote node ID a request/response crossed
	AttrGFN      = "dsm.gfn"       // guest frame number the page belongs to
	AttrSMM      = "dsm.smm"       // whether the page is in the SMM address space
	AttrReqType  = "dsm.req_type"  // INVALIDATE, READ, or WRITE
	AttrWrite    = "dsm.write"     // whether a fault was a write fault
	AttrFastPath = "dsm.fast_path" // whether a fault was admitted without a message
)

// Span names for the coherence engine's two call sites: the client-side
// fault resolver and the server-side request handler.
const (
	SpanFault       = "dsm.fault"
	SpanTransaction = "dsm.transaction"
)

// Node returns an attribute for the local node ID.
func Node(id int32) attribute.KeyValue {
	return attribute.Int64(AttrNode, int64(id))
}

// Peer returns an attribute for a remote node ID.
func Peer(id int32) attribute.KeyValue {
	return attribute.Int64(AttrPeer, int64(id))
}

// GFN returns an attribute for a guest frame number.
func GFN(gfn uint64) attribute.KeyValue {
	return attribute.Int64(AttrGFN, int64(gfn))
}

// SMM returns an attribute for whether a page lives in the SMM address
// space.
func SMM(isSMM bool) attribute.KeyValue {
	return attribute.Bool(AttrSMM, isSMM)
}

// ReqType returns an attribute for a transaction's request kind.
func ReqType(kind string) attribute.KeyValue {
	return attribute.String(AttrReqType, kind)
}

// Write returns an attribute for whether a fault was a write fault.
func Write(write bool) attribute.KeyValue {
	return attribute.Bool(AttrWrite, write)
}

// FastPath returns an attribute for whether a fault was admitted without
// sending any message.
func FastPath(fast bool) attribute.KeyValue {
	return attribute.Bool(AttrFastPath, fast)
}

// StartFaultSpan starts a span covering one call to PageFault. The wire
// protocol this engine speaks carries no trace-context header, so every
// fault starts a fresh root span rather than continuing one from a peer.
func StartFaultSpan(self int32, gfn uint64, isSMM, write bool) (context.Context, trace.Span) {
	return StartSpan(context.Background(), SpanFault, trace.WithAttributes(
		Node(self), GFN(gfn), SMM(isSMM), Write(write),
	))
}

// StartTransactionSpan starts a span covering one call to HandleRequest.
func StartTransactionSpan(self int32, reqType string, gfn uint64, isSMM bool) (context.Context, trace.Span) {
	return StartSpan(context.Background(), SpanTransaction, trace.WithAttributes(
		Node(self), ReqType(reqType), GFN(gfn), SMM(isSMM),
	))
}
