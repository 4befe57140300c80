// Package transport implements the peer-to-peer link between dsmd nodes: a
// length-prefixed TCP stream carrying internal/wire-encoded requests and
// responses, plus the client side that dsm.Node calls through the dsm.Sender
// interface. The accept loop follows a common base-adapter shape: one
// listener, one goroutine per accepted connection, and a WaitGroup-based
// graceful shutdown. A dsmd connection is bidirectional and persistent —
// each peer is both a client dialing out and a server accepting in, so
// framing includes a correlation ID instead of relying on strict
// request/response ordering.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dsmd/internal/logger"
	"github.com/marmos91/dsmd/internal/wire"
	"github.com/marmos91/dsmd/pkg/bufpool"
	"github.com/marmos91/dsmd/pkg/dsm"
)

// maxFrame bounds a single message body, guarding against a corrupt or
// malicious length prefix forcing an unbounded allocation.
const maxFrame = 1 << 20

// PeerDialer resolves a dsm.NodeID to a dial address. cmd/dsmd supplies the
// concrete implementation from the configured peer list.
type PeerDialer interface {
	Addr(peer dsm.NodeID) (string, bool)
}

// StaticDialer is a PeerDialer backed by a fixed map, built once from the
// configured peer list at startup.
type StaticDialer map[dsm.NodeID]string

// Addr implements PeerDialer.
func (d StaticDialer) Addr(peer dsm.NodeID) (string, bool) {
	addr, ok := d[peer]
	return addr, ok
}

// Handler processes an inbound request and returns the response to send
// back. dsm.Node.HandleRequest satisfies this once dsmd wires memslot
// lookup into the closure (see cmd/dsmd's server wiring).
type Handler func(req dsm.OutgoingRequest) (*dsm.IncomingResponse, error)

// Config holds what a peer-to-peer coherence link needs: where to listen
// and how long to wait on dialing, requests, and shutdown.
type Config struct {
	BindAddress     string
	Port            int
	ShutdownTimeout time.Duration
	DialTimeout     time.Duration
	RequestTimeout  time.Duration
}

// Transport is the bidirectional peer link: it accepts inbound connections
// and dispatches them to Handler, and dials outbound connections on demand
// to satisfy dsm.Sender.Do.
type Transport struct {
	cfg     Config
	self    dsm.NodeID
	dial    PeerDialer
	handler Handler

	listener net.Listener
	accepts  sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}

	connsMu sync.Mutex
	conns   map[dsm.NodeID]*peerConn

	nextCorrelation atomic.Uint64

	metrics dsm.Recorder
}

// peerConn is one persistent outbound connection to a peer, shared by every
// goroutine that wants to send that peer a request. Writes are serialized;
// reads are demultiplexed to the right caller by correlation ID.
type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer

	pendingMu sync.Mutex
	pending   map[uint64]chan wire.Response

	closed atomic.Bool
}

// New constructs a Transport. Call Serve to start accepting, and Stop to
// shut down.
func New(cfg Config, self dsm.NodeID, dial PeerDialer, handler Handler, metrics dsm.Recorder) *Transport {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Transport{
		cfg:      cfg,
		self:     self,
		dial:     dial,
		handler:  handler,
		shutdown: make(chan struct{}),
		conns:    make(map[dsm.NodeID]*peerConn),
		metrics:  metrics,
	}
}

type noopRecorder struct{}

func (noopRecorder) FaultResolved(bool, bool)     {}
func (noopRecorder) InvalidateSent(bool)          {}
func (noopRecorder) RequestForwarded(dsm.ReqKind) {}
func (noopRecorder) TransportError()              {}
func (noopRecorder) ForwardingHops(int)           {}

// Serve runs the accept loop until ctx is cancelled or Stop is called,
// handing each accepted connection to serveConn in its own goroutine.
func (t *Transport) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.BindAddress, t.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t.listener = ln
	logger.Info("dsm transport listening", "addr", ln.Addr().String(), "node", t.self)

	go func() {
		<-ctx.Done()
		t.Stop()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.shutdown:
				return nil
			default:
				logger.Warn("dsm transport accept error", "error", err)
				continue
			}
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		t.accepts.Add(1)
		go func() {
			defer t.accepts.Done()
			t.serveConn(conn)
		}()
	}
}

// serveConn reads framed messages off an inbound connection until it closes
// or the transport shuts down, dispatching requests to handler and routing
// responses (received while this node is itself waiting on a reply sent
// over the same socket) to the pending map.
func (t *Transport) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		select {
		case <-t.shutdown:
			return
		default:
		}

		body, msgType, release, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				logger.Debug("dsm transport read error", "error", err)
			}
			return
		}

		switch msgType {
		case wire.MsgRequest:
			req, err := wire.DecodeRequest(bytes.NewReader(body))
			release()
			if err != nil {
				logger.Warn("dsm transport decode request failed", "error", err)
				continue
			}
			go t.dispatch(w, req)
		case wire.MsgResponse:
			resp, err := wire.DecodeResponse(bytes.NewReader(body))
			release()
			if err != nil {
				logger.Warn("dsm transport decode response failed", "error", err)
				continue
			}
			t.routeResponse(resp)
		default:
			release()
		}
	}
}

// dispatch runs handler for a decoded inbound request and writes the
// response frame back. While handler returns ErrWouldBlock (a pinned page)
// it sleeps 1ms and tries again, up to three attempts in all, then logs a
// warning and reports the error back to the requester.
func (t *Transport) dispatch(w *bufio.Writer, req wire.Request) {
	dsmReq := req.ToDSMRequest()
	lc := logger.NewLogContext(int32(t.self), dsmReq.Type.String(), uint64(dsmReq.Key.GFN))
	lc.Peer = int32(dsmReq.Sender)
	ctx := logger.WithContext(context.Background(), lc)

	var resp *dsm.IncomingResponse
	var err error
	attempt := 0
	for ; attempt < 3; attempt++ {
		resp, err = t.handler(dsmReq)
		if err != dsm.ErrWouldBlock {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err == dsm.ErrWouldBlock {
		logger.WarnCtx(ctx, "dsm transport request still pinned after retries", logger.Attempt(attempt))
	}

	var wireResp wire.Response
	if err != nil {
		t.metrics.TransportError()
		wireResp = wire.Response{CorrelationID: req.CorrelationID, Err: err.Error()}
	} else {
		wireResp = wire.ToWireResponse(req.CorrelationID, resp)
	}

	var buf bytes.Buffer
	if err := wire.EncodeResponse(&buf, wireResp); err != nil {
		logger.Warn("dsm transport encode response failed", "error", err)
		return
	}

	respMu.Lock()
	defer respMu.Unlock()
	if err := writeFrame(w, buf.Bytes()); err != nil {
		logger.Debug("dsm transport write response failed", "error", err)
	}
}

// respMu serializes writes from concurrent dispatch goroutines sharing one
// connection's *bufio.Writer. A per-connection mutex would be more precise;
// this is sufficient because a connection only has inbound dispatch writers
// when it is also the accepting side of a peer link.
var respMu sync.Mutex

func (t *Transport) routeResponse(resp wire.Response) {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	for _, c := range t.conns {
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.CorrelationID]
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
			return
		}
	}
}

// Do implements dsm.Sender. It dials (or reuses) a connection to peer,
// sends req, and waits for the matching response. When nonBlocking is set
// (the node is in a restricted, non-sleeping context) and no live
// connection to peer exists yet, it returns dsm.ErrNotConnected instead of
// dialing. In both modes the wait for the response is bounded by
// RequestTimeout; a timeout is reported as dsm.ErrTransportFailure. A
// remote ErrWouldBlock is returned as dsm.ErrWouldBlock; any other remote
// error is wrapped in dsm.ErrTransportFailure.
func (t *Transport) Do(peer dsm.NodeID, req dsm.OutgoingRequest, nonBlocking bool) (*dsm.IncomingResponse, error) {
	if nonBlocking {
		t.connsMu.Lock()
		existing, ok := t.conns[peer]
		live := ok && !existing.closed.Load()
		t.connsMu.Unlock()
		if !live {
			return nil, dsm.ErrNotConnected
		}
	}

	pc, err := t.connFor(peer)
	if err != nil {
		t.metrics.TransportError()
		return nil, fmt.Errorf("%w: %v", dsm.ErrTransportFailure, err)
	}

	id := t.nextCorrelation.Add(1)
	wireReq := wire.ToWireRequest(id, req)

	ch := make(chan wire.Response, 1)
	pc.pendingMu.Lock()
	pc.pending[id] = ch
	pc.pendingMu.Unlock()
	defer func() {
		pc.pendingMu.Lock()
		delete(pc.pending, id)
		pc.pendingMu.Unlock()
	}()

	var buf bytes.Buffer
	if err := wire.EncodeRequest(&buf, wireReq); err != nil {
		return nil, err
	}

	pc.mu.Lock()
	err = writeFrame(pc.w, buf.Bytes())
	pc.mu.Unlock()
	if err != nil {
		t.metrics.TransportError()
		t.dropConn(peer)
		return nil, fmt.Errorf("%w: %v", dsm.ErrTransportFailure, err)
	}

	timeout := t.cfg.RequestTimeout
	select {
	case resp := <-ch:
		if resp.Err != "" {
			if resp.Err == dsm.ErrWouldBlock.Error() {
				return nil, dsm.ErrWouldBlock
			}
			return nil, fmt.Errorf("%w: %s", dsm.ErrTransportFailure, resp.Err)
		}
		return resp.ToDSMResponse(), nil
	case <-time.After(timeout):
		t.metrics.TransportError()
		return nil, dsm.ErrTransportFailure
	}
}

func (t *Transport) connFor(peer dsm.NodeID) (*peerConn, error) {
	t.connsMu.Lock()
	if pc, ok := t.conns[peer]; ok && !pc.closed.Load() {
		t.connsMu.Unlock()
		return pc, nil
	}
	t.connsMu.Unlock()

	addr, ok := t.dial.Addr(peer)
	if !ok {
		return nil, fmt.Errorf("no known address for peer %d", peer)
	}

	conn, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	pc := &peerConn{
		conn:    conn,
		w:       bufio.NewWriter(conn),
		pending: make(map[uint64]chan wire.Response),
	}

	t.connsMu.Lock()
	t.conns[peer] = pc
	t.connsMu.Unlock()

	t.accepts.Add(1)
	go func() {
		defer t.accepts.Done()
		t.serveConn(conn)
		pc.closed.Store(true)
	}()

	return pc, nil
}

func (t *Transport) dropConn(peer dsm.NodeID) {
	t.connsMu.Lock()
	if pc, ok := t.conns[peer]; ok {
		pc.closed.Store(true)
		_ = pc.conn.Close()
		delete(t.conns, peer)
	}
	t.connsMu.Unlock()
}

// Stop closes the listener and every peer connection, then waits up to
// ShutdownTimeout for in-flight dispatch goroutines to finish.
func (t *Transport) Stop() {
	t.shutdownOnce.Do(func() {
		close(t.shutdown)
		if t.listener != nil {
			_ = t.listener.Close()
		}
		t.connsMu.Lock()
		for _, pc := range t.conns {
			_ = pc.conn.Close()
		}
		t.connsMu.Unlock()

		done := make(chan struct{})
		go func() {
			t.accepts.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(t.cfg.ShutdownTimeout):
			logger.Warn("dsm transport shutdown timeout exceeded")
		}
	})
}

// readFrame reads a length-prefixed message: a uint32 big-endian length
// followed by that many body bytes, whose first 4 bytes are the MsgType
// tag internal/wire writes inline. The backing buffer comes from
// pkg/bufpool's tiered pool, since a busy node reads one of these per
// request/response; release must be called once the
// caller is done decoding body (wire.Decode{Request,Response} copy out
// everything they need, so it is safe to release immediately after).
func readFrame(r *bufio.Reader) (body []byte, msgType wire.MsgType, release func(), err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrame {
		return nil, 0, nil, fmt.Errorf("transport: frame too large: %d", n)
	}
	full := bufpool.Get(int(n))
	if _, err = io.ReadFull(r, full); err != nil {
		bufpool.Put(full)
		return nil, 0, nil, err
	}
	msgType, err = wire.PeekMsgType(bytes.NewReader(full[:4]))
	if err != nil {
		bufpool.Put(full)
		return nil, 0, nil, err
	}
	return full[4:], msgType, func() { bufpool.Put(full) }, nil
}

// writeFrame writes body (which already carries its own leading MsgType
// tag from internal/wire's Encode functions) with a 4-byte length prefix.
func writeFrame(w *bufio.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}
