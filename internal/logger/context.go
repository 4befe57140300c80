package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for one fault resolution
// or one server-side transaction.
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	Node      int32     // local node ID
	Peer      int32     // remote node ID this request/response crossed, if any
	GFN       uint64    // guest frame number
	ReqType   string    // INVALIDATE, READ, or WRITE
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a transaction on the given
// local node.
func NewLogContext(node int32, reqType string, gfn uint64) *LogContext {
	return &LogContext{
		Node:      node,
		ReqType:   reqType,
		GFN:       gfn,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:   lc.TraceID,
		SpanID:    lc.SpanID,
		Node:      lc.Node,
		Peer:      lc.Peer,
		GFN:       lc.GFN,
		ReqType:   lc.ReqType,
		StartTime: lc.StartTime,
	}
}

// WithPeer returns a copy with the peer node set
func (lc *LogContext) WithPeer(peer int32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Peer = peer
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
