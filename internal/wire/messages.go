package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ricsam/isolated/internal/frame"
)

// The encodings below are deliberately simple length-prefixed binary
// layouts rather than a schema'd format (protobuf, msgpack): the daemon and
// its clients are always built from the same module, so there is no
// cross-version compatibility surface to buy by introducing a schema
// compiler into the hot path. Every encoder/decoder pair here is the
// single source of truth for its frame's wire shape.

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putString(buf *bytes.Buffer, s string) {
	putUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func putErrorPayload(buf *bytes.Buffer, e *frame.ErrorPayload) {
	if e == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	putString(buf, e.Name)
	putString(buf, e.Message)
}

func readErrorPayload(r *bytes.Reader) (*frame.ErrorPayload, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	msg, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &frame.ErrorPayload{Name: name, Message: msg}, nil
}

func putValues(buf *bytes.Buffer, vs []frame.Value) {
	putUint32(buf, uint32(len(vs)))
	for _, v := range vs {
		putBytes(buf, v)
	}
}

func readValues(r *bytes.Reader) ([]frame.Value, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]frame.Value, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// EncodeRequest serialises a frame.Request body.
func EncodeRequest(req frame.Request) []byte {
	var buf bytes.Buffer
	putUint64(&buf, req.RequestID)
	putString(&buf, req.Target)
	putString(&buf, req.Verb)
	putValues(&buf, req.Args)
	return buf.Bytes()
}

// DecodeRequest parses a frame.Request body.
func DecodeRequest(body []byte) (frame.Request, error) {
	r := bytes.NewReader(body)
	id, err := readUint64(r)
	if err != nil {
		return frame.Request{}, fmt.Errorf("wire: decode request id: %w", err)
	}
	target, err := readString(r)
	if err != nil {
		return frame.Request{}, fmt.Errorf("wire: decode request target: %w", err)
	}
	verb, err := readString(r)
	if err != nil {
		return frame.Request{}, fmt.Errorf("wire: decode request verb: %w", err)
	}
	args, err := readValues(r)
	if err != nil {
		return frame.Request{}, fmt.Errorf("wire: decode request args: %w", err)
	}
	return frame.Request{RequestID: id, Target: target, Verb: verb, Args: args}, nil
}

// EncodeResponse serialises a frame.Response body.
func EncodeResponse(resp frame.Response) []byte {
	var buf bytes.Buffer
	putUint64(&buf, resp.RequestID)
	putBytes(&buf, resp.Result)
	putErrorPayload(&buf, resp.Err)
	return buf.Bytes()
}

// DecodeResponse parses a frame.Response body.
func DecodeResponse(body []byte) (frame.Response, error) {
	r := bytes.NewReader(body)
	id, err := readUint64(r)
	if err != nil {
		return frame.Response{}, fmt.Errorf("wire: decode response id: %w", err)
	}
	result, err := readBytes(r)
	if err != nil {
		return frame.Response{}, fmt.Errorf("wire: decode response result: %w", err)
	}
	errPayload, err := readErrorPayload(r)
	if err != nil {
		return frame.Response{}, fmt.Errorf("wire: decode response error: %w", err)
	}
	return frame.Response{RequestID: id, Result: result, Err: errPayload}, nil
}

// EncodeCallbackInvoke serialises a frame.CallbackInvoke body.
func EncodeCallbackInvoke(c frame.CallbackInvoke) []byte {
	var buf bytes.Buffer
	putUint64(&buf, c.InvocationID)
	putUint64(&buf, c.CallbackID)
	putValues(&buf, c.Args)
	return buf.Bytes()
}

// DecodeCallbackInvoke parses a frame.CallbackInvoke body.
func DecodeCallbackInvoke(body []byte) (frame.CallbackInvoke, error) {
	r := bytes.NewReader(body)
	inv, err := readUint64(r)
	if err != nil {
		return frame.CallbackInvoke{}, err
	}
	cb, err := readUint64(r)
	if err != nil {
		return frame.CallbackInvoke{}, err
	}
	args, err := readValues(r)
	if err != nil {
		return frame.CallbackInvoke{}, err
	}
	return frame.CallbackInvoke{InvocationID: inv, CallbackID: cb, Args: args}, nil
}

// EncodeCallbackResult serialises a frame.CallbackResult body.
func EncodeCallbackResult(c frame.CallbackResult) []byte {
	var buf bytes.Buffer
	putUint64(&buf, c.InvocationID)
	putBytes(&buf, c.Result)
	putErrorPayload(&buf, c.Err)
	return buf.Bytes()
}

// DecodeCallbackResult parses a frame.CallbackResult body.
func DecodeCallbackResult(body []byte) (frame.CallbackResult, error) {
	r := bytes.NewReader(body)
	inv, err := readUint64(r)
	if err != nil {
		return frame.CallbackResult{}, err
	}
	result, err := readBytes(r)
	if err != nil {
		return frame.CallbackResult{}, err
	}
	errPayload, err := readErrorPayload(r)
	if err != nil {
		return frame.CallbackResult{}, err
	}
	return frame.CallbackResult{InvocationID: inv, Result: result, Err: errPayload}, nil
}

// EncodeStreamOpen serialises a frame.StreamOpen body.
func EncodeStreamOpen(s frame.StreamOpen) []byte {
	var buf bytes.Buffer
	putUint64(&buf, s.StreamID)
	buf.WriteByte(byte(s.Direction))
	putUint64(&buf, s.InitialCredit)
	putString(&buf, s.ContentType)
	return buf.Bytes()
}

// DecodeStreamOpen parses a frame.StreamOpen body.
func DecodeStreamOpen(body []byte) (frame.StreamOpen, error) {
	r := bytes.NewReader(body)
	id, err := readUint64(r)
	if err != nil {
		return frame.StreamOpen{}, err
	}
	dir, err := r.ReadByte()
	if err != nil {
		return frame.StreamOpen{}, err
	}
	credit, err := readUint64(r)
	if err != nil {
		return frame.StreamOpen{}, err
	}
	ct, err := readString(r)
	if err != nil {
		return frame.StreamOpen{}, err
	}
	return frame.StreamOpen{
		StreamID:      id,
		Direction:     frame.StreamDirection(dir),
		InitialCredit: credit,
		ContentType:   ct,
	}, nil
}

// EncodeStreamChunk serialises a frame.StreamChunk body.
func EncodeStreamChunk(c frame.StreamChunk) []byte {
	var buf bytes.Buffer
	putUint64(&buf, c.StreamID)
	putBytes(&buf, c.Bytes)
	return buf.Bytes()
}

// DecodeStreamChunk parses a frame.StreamChunk body.
func DecodeStreamChunk(body []byte) (frame.StreamChunk, error) {
	r := bytes.NewReader(body)
	id, err := readUint64(r)
	if err != nil {
		return frame.StreamChunk{}, err
	}
	b, err := readBytes(r)
	if err != nil {
		return frame.StreamChunk{}, err
	}
	return frame.StreamChunk{StreamID: id, Bytes: b}, nil
}

// EncodeStreamCredit serialises a frame.StreamCredit body.
func EncodeStreamCredit(c frame.StreamCredit) []byte {
	var buf bytes.Buffer
	putUint64(&buf, c.StreamID)
	putUint64(&buf, c.GrantedBytes)
	return buf.Bytes()
}

// DecodeStreamCredit parses a frame.StreamCredit body.
func DecodeStreamCredit(body []byte) (frame.StreamCredit, error) {
	r := bytes.NewReader(body)
	id, err := readUint64(r)
	if err != nil {
		return frame.StreamCredit{}, err
	}
	granted, err := readUint64(r)
	if err != nil {
		return frame.StreamCredit{}, err
	}
	return frame.StreamCredit{StreamID: id, GrantedBytes: granted}, nil
}

// EncodeStreamEnd serialises a frame.StreamEnd body.
func EncodeStreamEnd(s frame.StreamEnd) []byte {
	var buf bytes.Buffer
	putUint64(&buf, s.StreamID)
	buf.WriteByte(byte(s.Status))
	putErrorPayload(&buf, s.Err)
	return buf.Bytes()
}

// DecodeStreamEnd parses a frame.StreamEnd body.
func DecodeStreamEnd(body []byte) (frame.StreamEnd, error) {
	r := bytes.NewReader(body)
	id, err := readUint64(r)
	if err != nil {
		return frame.StreamEnd{}, err
	}
	status, err := r.ReadByte()
	if err != nil {
		return frame.StreamEnd{}, err
	}
	errPayload, err := readErrorPayload(r)
	if err != nil {
		return frame.StreamEnd{}, err
	}
	return frame.StreamEnd{StreamID: id, Status: frame.StreamEndStatus(status), Err: errPayload}, nil
}

// EncodeWSMessage serialises a frame.WSMessage body.
func EncodeWSMessage(m frame.WSMessage) []byte {
	var buf bytes.Buffer
	putUint64(&buf, m.ConnectionID)
	if m.Text {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	putBytes(&buf, m.Bytes)
	return buf.Bytes()
}

// DecodeWSMessage parses a frame.WSMessage body.
func DecodeWSMessage(body []byte) (frame.WSMessage, error) {
	r := bytes.NewReader(body)
	id, err := readUint64(r)
	if err != nil {
		return frame.WSMessage{}, err
	}
	textByte, err := r.ReadByte()
	if err != nil {
		return frame.WSMessage{}, err
	}
	b, err := readBytes(r)
	if err != nil {
		return frame.WSMessage{}, err
	}
	return frame.WSMessage{ConnectionID: id, Text: textByte == 1, Bytes: b}, nil
}

// EncodeWSClose serialises a frame.WSClose body.
func EncodeWSClose(c frame.WSClose) []byte {
	var buf bytes.Buffer
	putUint64(&buf, c.ConnectionID)
	putUint32(&buf, uint32(c.Code))
	putString(&buf, c.Reason)
	return buf.Bytes()
}

// DecodeWSClose parses a frame.WSClose body.
func DecodeWSClose(body []byte) (frame.WSClose, error) {
	r := bytes.NewReader(body)
	id, err := readUint64(r)
	if err != nil {
		return frame.WSClose{}, err
	}
	code, err := readUint32(r)
	if err != nil {
		return frame.WSClose{}, err
	}
	reason, err := readString(r)
	if err != nil {
		return frame.WSClose{}, err
	}
	return frame.WSClose{ConnectionID: id, Code: uint16(code), Reason: reason}, nil
}
