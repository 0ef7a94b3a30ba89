// Package wire implements the length-prefixed frame codec that carries
// internal/frame messages over a single duplex byte stream (a Unix domain
// socket or a TCP connection).
//
// Wire format: a frame is [u32 big-endian length][1-byte kind][body].
// length counts the kind byte plus the body. The codec does not buffer or
// coalesce writes across frames: one WriteFrame call produces exactly one
// length-prefixed frame on the wire, which is what lets the stream engine
// guarantee chunk-level timing (spec.md §4.1, §4.4).
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/ricsam/isolated/internal/frame"
)

// maxFrameBytes bounds a single frame body to guard against a malformed
// length prefix causing an unbounded allocation.
const maxFrameBytes = 64 << 20 // 64 MiB

// ErrFrameTooLarge is returned by ReadFrame when a length prefix exceeds
// maxFrameBytes.
var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds %d bytes", maxFrameBytes)

// Writer serialises frame.* values onto an underlying io.Writer. A Writer
// must be used by a single goroutine at a time (the connection multiplexer
// enforces the single-producer discipline described in spec.md §5); Writer
// itself adds a mutex only so accidental concurrent use fails safely rather
// than corrupting the stream.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteFrame encodes kind and body and writes the length-prefixed frame.
func (fw *Writer) WriteFrame(kind frame.Kind, body []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	var header [5]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(body)+1))
	header[4] = byte(kind)

	if _, err := fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(body) > 0 {
		if _, err := fw.w.Write(body); err != nil {
			return fmt.Errorf("wire: write frame body: %w", err)
		}
	}
	return nil
}

// Reader deserialises frame.* values from an underlying io.Reader.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r in a buffered reader sized for typical chunk traffic.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 32*1024)}
}

// RawFrame is one decoded frame: a kind tag plus its still-encoded body.
// Callers pass Body to the codecs in this package (DecodeRequest, etc.) that
// match Kind.
type RawFrame struct {
	Kind frame.Kind
	Body []byte
}

// ReadFrame blocks until a complete frame has been read, or returns an error
// (including io.EOF on clean connection close).
func (fr *Reader) ReadFrame() (RawFrame, error) {
	var header [5]byte
	if _, err := io.ReadFull(fr.r, header[0:4]); err != nil {
		return RawFrame{}, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length == 0 {
		return RawFrame{}, fmt.Errorf("wire: frame declares zero length (missing kind byte)")
	}
	if length > maxFrameBytes {
		return RawFrame{}, ErrFrameTooLarge
	}
	if _, err := io.ReadFull(fr.r, header[4:5]); err != nil {
		return RawFrame{}, fmt.Errorf("wire: read frame kind: %w", err)
	}
	kind := frame.Kind(header[4])

	bodyLen := int(length) - 1
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(fr.r, body); err != nil {
			return RawFrame{}, fmt.Errorf("wire: read frame body (kind=%s): %w", kind, err)
		}
	}
	return RawFrame{Kind: kind, Body: body}, nil
}
