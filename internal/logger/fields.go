package logger

import (
	"log/slog"
)

// Standard field keys for structured logging. Use these consistently across
// log statements so the same key always carries the same meaning.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Coherence protocol
	// ========================================================================
	KeyNode    = "node"     // local node ID
	KeyPeer    = "peer"     // remote node ID a request/response crossed
	KeyGFN     = "gfn"      // guest frame number
	KeyReqType = "req_type" // INVALIDATE, READ, or WRITE
	KeyWrite   = "write"    // whether a fault was a write fault

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts
)

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Node returns a slog.Attr for the local node ID.
func Node(id int32) slog.Attr {
	return slog.Int64(KeyNode, int64(id))
}

// Peer returns a slog.Attr for a remote node ID.
func Peer(id int32) slog.Attr {
	return slog.Int64(KeyPeer, int64(id))
}

// GFN returns a slog.Attr for a guest frame number.
func GFN(gfn uint64) slog.Attr {
	return slog.Uint64(KeyGFN, gfn)
}

// ReqType returns a slog.Attr for a transaction's request kind.
func ReqType(kind string) slog.Attr {
	return slog.String(KeyReqType, kind)
}

// Write returns a slog.Attr for whether a fault was a write fault.
func Write(write bool) slog.Attr {
	return slog.Bool(KeyWrite, write)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Attempt returns a slog.Attr for retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}
