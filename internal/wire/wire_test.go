package wire

import (
	"bytes"
	"testing"

	"github.com/marmos91/dsmd/pkg/dsm"
)

func TestRequestRoundTrip(t *testing.T) {
	req := dsm.OutgoingRequest{
		Type:      dsm.ReqKindWrite,
		Requester: 2,
		Sender:    1,
		Key:       dsm.Key{GFN: 0x100, IsSMM: true},
		Version:   7,
	}

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, ToWireRequest(42, req)); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	if _, err := PeekMsgType(&buf); err != nil {
		t.Fatalf("PeekMsgType: %v", err)
	}

	got, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	if got.ToDSMRequest() != req {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got.ToDSMRequest(), req)
	}
}

func TestDecodeRequest_RejectsOutOfRangeNodeID(t *testing.T) {
	req := Request{
		CorrelationID: 1,
		Type:          ReqRead,
		Requester:     int32(dsm.MaxInstances), // one past the valid range
		Sender:        0,
		GFN:           0x10,
	}

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := PeekMsgType(&buf); err != nil {
		t.Fatalf("PeekMsgType: %v", err)
	}

	if _, err := DecodeRequest(&buf); err == nil {
		t.Fatal("expected an out-of-range requester to be rejected")
	}
}

func TestDecodeRequest_RejectsImplausibleGFN(t *testing.T) {
	req := Request{
		CorrelationID: 1,
		Type:          ReqRead,
		Requester:     0,
		Sender:        1,
		GFN:           maxGFN + 1,
	}

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := PeekMsgType(&buf); err != nil {
		t.Fatalf("PeekMsgType: %v", err)
	}

	if _, err := DecodeRequest(&buf); err == nil {
		t.Fatal("expected an implausibly large gfn to be rejected")
	}
}
