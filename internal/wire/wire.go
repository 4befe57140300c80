// Package wire defines the on-the-wire encoding of coherence-protocol
// requests and responses exchanged between dsmd nodes, built on
// internal/protocol/xdr's generic RFC 4506 helpers rather than a
// bespoke serialization scheme. DecodeRequest validates the node-ID and
// gfn fields of every inbound request with go-playground/validator before
// handing it to pkg/dsm, the same library pkg/config uses for its own
// struct validation.
package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dsmd/internal/protocol/xdr"
	"github.com/marmos91/dsmd/pkg/dsm"
)

// maxGFN bounds the guest frame numbers this package will accept off the
// wire: a sanity ceiling (2^40 pages, a 52-bit physical address space) well
// beyond any realistic memslot, meant to catch a corrupt or malicious frame
// rather than constrain a legitimate one.
const maxGFN = 1 << 40

var validate = validator.New()

// validateRequest rejects a decoded Request whose requester/sender fall
// outside the valid node-ID range or whose gfn is implausibly large,
// before it ever reaches dsm.Node.HandleRequest. Bounds are computed from
// dsm.MaxInstances/maxGFN rather than baked into static struct tags, since
// the former is a package constant this file must not duplicate.
func validateRequest(r Request) error {
	nodeTag := fmt.Sprintf("gte=0,lt=%d", dsm.MaxInstances)
	if err := validate.Var(int(r.Requester), nodeTag); err != nil {
		return fmt.Errorf("requester %d out of range: %w", r.Requester, err)
	}
	if err := validate.Var(int(r.Sender), nodeTag); err != nil {
		return fmt.Errorf("sender %d out of range: %w", r.Sender, err)
	}
	if err := validate.Var(r.GFN, fmt.Sprintf("lte=%d", uint64(maxGFN))); err != nil {
		return fmt.Errorf("gfn %d out of range: %w", r.GFN, err)
	}
	return nil
}

// MsgType distinguishes the two message shapes on the wire: a request
// carrying a transaction, and the corresponding reply.
type MsgType uint32

const (
	MsgRequest MsgType = iota
	MsgResponse
)

// ReqType mirrors dsm.ReqKind on the wire. Kept as a distinct type so the
// wire format does not need to change if the in-process enum is reordered.
type ReqType uint32

const (
	ReqInvalidate ReqType = iota
	ReqRead
	ReqWrite
)

func toWireReqType(k dsm.ReqKind) ReqType {
	switch k {
	case dsm.ReqKindInvalidate:
		return ReqInvalidate
	case dsm.ReqKindRead:
		return ReqRead
	default:
		return ReqWrite
	}
}

func fromWireReqType(t ReqType) dsm.ReqKind {
	switch t {
	case ReqInvalidate:
		return dsm.ReqKindInvalidate
	case ReqRead:
		return dsm.ReqKindRead
	default:
		return dsm.ReqKindWrite
	}
}

// Request is the wire form of dsm.OutgoingRequest, plus the envelope fields
// (a correlation ID for matching replies on a shared connection) that dsm's
// transport-independent type has no business knowing about.
type Request struct {
	CorrelationID uint64
	Type          ReqType
	Requester     int32
	Sender        int32
	GFN           uint64
	IsSMM         bool
	Version       uint64
}

// Response is the wire form of dsm.IncomingResponse, plus an envelope error
// string (empty means success): a forwarding node relays the terminal
// node's failure back unchanged rather than inventing its own.
type Response struct {
	CorrelationID uint64
	Err           string
	InvCopyset    [dsm.MaxInstances / 8]byte
	Version       uint64
	Payload       []byte
}

// ToWireRequest converts a dsm.OutgoingRequest plus a correlation ID into
// its wire form.
func ToWireRequest(id uint64, req dsm.OutgoingRequest) Request {
	return Request{
		CorrelationID: id,
		Type:          toWireReqType(req.Type),
		Requester:     int32(req.Requester),
		Sender:        int32(req.Sender),
		GFN:           uint64(req.Key.GFN),
		IsSMM:         req.Key.IsSMM,
		Version:       req.Version,
	}
}

// ToDSMRequest converts a wire Request back into a dsm.OutgoingRequest.
func (r Request) ToDSMRequest() dsm.OutgoingRequest {
	return dsm.OutgoingRequest{
		Type:      fromWireReqType(r.Type),
		Requester: dsm.NodeID(r.Requester),
		Sender:    dsm.NodeID(r.Sender),
		Key:       dsm.Key{GFN: dsm.GFN(r.GFN), IsSMM: r.IsSMM},
		Version:   r.Version,
	}
}

// ToWireResponse converts a dsm.IncomingResponse into its wire form.
func ToWireResponse(id uint64, resp *dsm.IncomingResponse) Response {
	out := Response{CorrelationID: id, Version: resp.Version, Payload: resp.Payload}
	packCopyset(&resp.InvCopyset, &out.InvCopyset)
	return out
}

// ToDSMResponse converts a wire Response back into a dsm.IncomingResponse.
func (r Response) ToDSMResponse() *dsm.IncomingResponse {
	out := &dsm.IncomingResponse{Version: r.Version, Payload: r.Payload}
	unpackCopyset(&r.InvCopyset, &out.InvCopyset)
	return out
}

func packCopyset(cs *dsm.Copyset, out *[dsm.MaxInstances / 8]byte) {
	cs.Iter(func(n dsm.NodeID) {
		out[n/8] |= 1 << uint(n%8)
	})
}

func unpackCopyset(in *[dsm.MaxInstances / 8]byte, cs *dsm.Copyset) {
	for i := 0; i < dsm.MaxInstances; i++ {
		if in[i/8]&(1<<uint(i%8)) != 0 {
			cs.Add(dsm.NodeID(i))
		}
	}
}

// EncodeRequest serializes a Request, including its MsgRequest tag, using
// the project's XDR helpers.
func EncodeRequest(buf *bytes.Buffer, r Request) error {
	if err := xdr.WriteUint32(buf, uint32(MsgRequest)); err != nil {
		return err
	}
	if err := xdr.WriteUint64(buf, r.CorrelationID); err != nil {
		return err
	}
	if err := xdr.WriteUint32(buf, uint32(r.Type)); err != nil {
		return err
	}
	if err := xdr.WriteInt32(buf, r.Requester); err != nil {
		return err
	}
	if err := xdr.WriteInt32(buf, r.Sender); err != nil {
		return err
	}
	if err := xdr.WriteUint64(buf, r.GFN); err != nil {
		return err
	}
	if err := xdr.WriteBool(buf, r.IsSMM); err != nil {
		return err
	}
	return xdr.WriteUint64(buf, r.Version)
}

// DecodeRequest deserializes a Request body; the caller has already
// consumed the leading MsgType tag via PeekMsgType.
func DecodeRequest(r io.Reader) (Request, error) {
	var req Request

	id, err := xdr.DecodeUint64(r)
	if err != nil {
		return req, fmt.Errorf("decode correlation id: %w", err)
	}
	typ, err := xdr.DecodeUint32(r)
	if err != nil {
		return req, fmt.Errorf("decode req type: %w", err)
	}
	requester, err := xdr.DecodeInt32(r)
	if err != nil {
		return req, fmt.Errorf("decode requester: %w", err)
	}
	sender, err := xdr.DecodeInt32(r)
	if err != nil {
		return req, fmt.Errorf("decode sender: %w", err)
	}
	gfn, err := xdr.DecodeUint64(r)
	if err != nil {
		return req, fmt.Errorf("decode gfn: %w", err)
	}
	isSMM, err := xdr.DecodeBool(r)
	if err != nil {
		return req, fmt.Errorf("decode is_smm: %w", err)
	}
	version, err := xdr.DecodeUint64(r)
	if err != nil {
		return req, fmt.Errorf("decode version: %w", err)
	}

	req = Request{
		CorrelationID: id,
		Type:          ReqType(typ),
		Requester:     requester,
		Sender:        sender,
		GFN:           gfn,
		IsSMM:         isSMM,
		Version:       version,
	}
	if err := validateRequest(req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// EncodeResponse serializes a Response, including its MsgResponse tag.
func EncodeResponse(buf *bytes.Buffer, r Response) error {
	if err := xdr.WriteUint32(buf, uint32(MsgResponse)); err != nil {
		return err
	}
	if err := xdr.WriteUint64(buf, r.CorrelationID); err != nil {
		return err
	}
	if err := xdr.WriteXDRString(buf, r.Err); err != nil {
		return err
	}
	if err := xdr.WriteXDROpaque(buf, r.InvCopyset[:]); err != nil {
		return err
	}
	if err := xdr.WriteUint64(buf, r.Version); err != nil {
		return err
	}
	return xdr.WriteXDROpaque(buf, r.Payload)
}

// DecodeResponse deserializes a Response body; the caller has already
// consumed the leading MsgType tag.
func DecodeResponse(r io.Reader) (Response, error) {
	var resp Response

	id, err := xdr.DecodeUint64(r)
	if err != nil {
		return resp, fmt.Errorf("decode correlation id: %w", err)
	}
	errStr, err := xdr.DecodeString(r)
	if err != nil {
		return resp, fmt.Errorf("decode err: %w", err)
	}
	cs, err := xdr.DecodeOpaque(r)
	if err != nil {
		return resp, fmt.Errorf("decode copyset: %w", err)
	}
	version, err := xdr.DecodeUint64(r)
	if err != nil {
		return resp, fmt.Errorf("decode version: %w", err)
	}
	payload, err := xdr.DecodeOpaque(r)
	if err != nil {
		return resp, fmt.Errorf("decode payload: %w", err)
	}

	resp = Response{CorrelationID: id, Err: errStr, Version: version, Payload: payload}
	copy(resp.InvCopyset[:], cs)
	return resp, nil
}

// PeekMsgType reads and returns the leading MsgType tag of a message.
func PeekMsgType(r io.Reader) (MsgType, error) {
	v, err := xdr.DecodeUint32(r)
	return MsgType(v), err
}
