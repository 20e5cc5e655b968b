package p2p

import (
	"testing"

	"github.com/mmalmi/hashtree/internal/hashing"
)

func TestEncodeDecodeRequest(t *testing.T) {
	req := Request{Hash: hashing.Sum([]byte("x")), HTL: MaxHTL}
	isReq, gotReq, _, err := Decode(EncodeRequest(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !isReq || gotReq != req {
		t.Fatalf("round trip mismatch: got %+v isReq=%v", gotReq, isReq)
	}
}

func TestEncodeDecodeResponse(t *testing.T) {
	resp := Response{Hash: hashing.Sum([]byte("y")), Data: []byte("payload"), FragmentIndex: 2, FragmentTotal: 5}
	isReq, _, gotResp, err := Decode(EncodeResponse(resp))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if isReq || gotResp.Hash != resp.Hash || string(gotResp.Data) != string(resp.Data) ||
		gotResp.FragmentIndex != resp.FragmentIndex || gotResp.FragmentTotal != resp.FragmentTotal {
		t.Fatalf("round trip mismatch: got %+v", gotResp)
	}
}

func TestSplitFragmentsBelowThreshold(t *testing.T) {
	h := hashing.Sum([]byte("small"))
	frags := SplitFragments(h, []byte("tiny"))
	if len(frags) != 1 || frags[0].FragmentTotal != 0 {
		t.Fatalf("expected single unfragmented response, got %+v", frags)
	}
}

func TestSplitFragmentsAboveThreshold(t *testing.T) {
	h := hashing.Sum([]byte("large"))
	data := make([]byte, FragmentThreshold*3+100)
	frags := SplitFragments(h, data)
	if len(frags) != 4 {
		t.Fatalf("expected 4 fragments, got %d", len(frags))
	}
	for i, f := range frags {
		if int(f.FragmentIndex) != i || int(f.FragmentTotal) != len(frags) {
			t.Fatalf("fragment %d has wrong indexing: %+v", i, f)
		}
	}
}

func TestFragmentAssemblerReassemblesOutOfOrder(t *testing.T) {
	h := hashing.Sum([]byte("reassemble"))
	data := make([]byte, FragmentThreshold*2+500)
	for i := range data {
		data[i] = byte(i)
	}
	frags := SplitFragments(h, data)

	asm := NewFragmentAssembler(0)
	// Feed fragments in reverse order.
	var out []byte
	var complete bool
	for i := len(frags) - 1; i >= 0; i-- {
		out, complete = asm.Add(frags[i])
	}
	if !complete {
		t.Fatal("expected assembly to complete after the last out-of-order fragment")
	}
	if string(out) != string(data) {
		t.Fatal("reassembled data does not match original")
	}
}

func TestFragmentAssemblerIgnoresOutOfRangeIndex(t *testing.T) {
	asm := NewFragmentAssembler(0)
	_, complete := asm.Add(Response{Hash: hashing.Sum([]byte("h")), FragmentIndex: 5, FragmentTotal: 3})
	if complete {
		t.Fatal("expected out-of-range fragment index to be ignored")
	}
}

func TestFragmentAssemblerUnfragmentedPassesThrough(t *testing.T) {
	asm := NewFragmentAssembler(0)
	data, complete := asm.Add(Response{Hash: hashing.Sum([]byte("h")), Data: []byte("whole")})
	if !complete || string(data) != "whole" {
		t.Fatalf("expected unfragmented response to pass through immediately, got %q complete=%v", data, complete)
	}
}
