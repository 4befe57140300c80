// Package transport carries the coherence engine's peer messaging.
// transport.go declares a connect/send/receive messaging interface
// (Messenger, with Server and Conn) and its non-blocking contract for
// restricted (non-sleeping) contexts. The raw-TCP Transport in tcp.go is
// the implementation shipped with this repository; it does not implement
// these interfaces. It satisfies dsm.Sender through its Do method, which is
// the only transport surface pkg/dsm calls.
package transport

import (
	"context"
	"errors"

	"github.com/marmos91/dsmd/pkg/dsm"
)

// ErrWouldBlock is returned by Send/Receive when called in non-blocking
// mode and the operation cannot complete without sleeping.
var ErrWouldBlock = errors.New("transport: would block")

// TxAdd is the transaction side-band carried alongside every request and
// response: a transaction id for correlating replies, and, on a reply, the
// invalidation copyset and version the design's wire format specifies.
type TxAdd struct {
	TxID       uint64
	InvCopyset dsm.Copyset
	Version    uint64
}

// ReqType enumerates the three transaction types the protocol exchanges.
type ReqType uint8

const (
	ReqInvalidate ReqType = iota
	ReqRead
	ReqWrite
)

// Request is the wire request envelope.
type Request struct {
	Type      ReqType
	Requester dsm.NodeID
	Sender    dsm.NodeID
	GFN       dsm.GFN
	IsSMM     bool
	Version   uint64
}

// Response carries the TxAdd side-band plus an opaque payload: an encoded
// page diff for READ/WRITE, or a one-byte ACK for INVALIDATE.
type Response struct {
	TxAdd   TxAdd
	Payload []byte
}

// Conn is a connection to one peer, reused across transactions. Lazily
// created and cached by a Messenger implementation.
type Conn interface {
	// Peer returns the node ID this connection is dialed to.
	Peer() dsm.NodeID
	Close() error
}

// Messenger is a connect/send/receive messaging interface for the
// coherence core's environment.
type Messenger interface {
	// Connect returns a connection to peer, dialing lazily on first use.
	// Connection setup requires sleeping and is refused (ErrNotConnected-
	// equivalent, surfaced by the caller) when nonBlocking is true and no
	// connection exists yet.
	Connect(ctx context.Context, peer dsm.NodeID, nonBlocking bool) (Conn, error)

	// Send transmits req with side-band add over conn. When nonBlocking is
	// true and the operation cannot complete immediately, it returns
	// ErrWouldBlock instead of sleeping.
	Send(ctx context.Context, conn Conn, req *Request, add *TxAdd, nonBlocking bool) error

	// Receive blocks (or, in non-blocking mode, polls once) for the next
	// response keyed by txID on conn, returning it with its side-band.
	Receive(ctx context.Context, conn Conn, txID uint64, nonBlocking bool) (*Response, error)
}

// Server is the accept side: it listens for peer connections and delivers
// each inbound Request, expecting a Response back, to a RequestHandler.
type Server interface {
	Serve(ctx context.Context, handler RequestHandler) error
	Stop(ctx context.Context) error
}

// RequestHandler processes one inbound request and returns the response to
// send back. tcp.go's Transport does not use this type; it takes a Handler.
type RequestHandler func(ctx context.Context, from dsm.NodeID, req *Request) (*Response, error)
