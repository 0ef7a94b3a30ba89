package wire_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/ricsam/isolated/internal/frame"
	"github.com/ricsam/isolated/internal/wire"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)

	req := frame.Request{RequestID: 7, Target: "iso-1", Verb: "eval", Args: []frame.Value{[]byte("1+1")}}
	if err := w.WriteFrame(frame.KindRequest, wire.EncodeRequest(req)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	chunk := frame.StreamChunk{StreamID: 42, Bytes: []byte("hello")}
	if err := w.WriteFrame(frame.KindStreamChunk, wire.EncodeStreamChunk(chunk)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r := wire.NewReader(&buf)

	rf1, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	if rf1.Kind != frame.KindRequest {
		t.Fatalf("expected KindRequest, got %s", rf1.Kind)
	}
	gotReq, err := wire.DecodeRequest(rf1.Body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if gotReq.RequestID != req.RequestID || gotReq.Target != req.Target || gotReq.Verb != req.Verb {
		t.Fatalf("round trip mismatch: got %+v, want %+v", gotReq, req)
	}
	if string(gotReq.Args[0]) != "1+1" {
		t.Fatalf("arg mismatch: got %q", gotReq.Args[0])
	}

	rf2, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if rf2.Kind != frame.KindStreamChunk {
		t.Fatalf("expected KindStreamChunk, got %s", rf2.Kind)
	}
	gotChunk, err := wire.DecodeStreamChunk(rf2.Body)
	if err != nil {
		t.Fatalf("DecodeStreamChunk: %v", err)
	}
	if gotChunk.StreamID != 42 || string(gotChunk.Bytes) != "hello" {
		t.Fatalf("chunk round trip mismatch: %+v", gotChunk)
	}

	if _, err := r.ReadFrame(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReaderRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // absurd length, no kind byte needed to fail
	r := wire.NewReader(&buf)
	if _, err := r.ReadFrame(); err != wire.ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)

	resp := frame.Response{
		RequestID: 9,
		Err:       &frame.ErrorPayload{Name: "TypeError", Message: "fetch is not defined"},
	}
	if err := w.WriteFrame(frame.KindResponse, wire.EncodeResponse(resp)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r := wire.NewReader(&buf)
	rf, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	got, err := wire.DecodeResponse(rf.Body)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got.Err == nil || got.Err.Name != "TypeError" || got.Err.Message != "fetch is not defined" {
		t.Fatalf("error payload mismatch: %+v", got.Err)
	}
}
