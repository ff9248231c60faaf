package token

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// WireType is the low three bits of a field header.
type WireType uint8

const (
	WireVarint  WireType = 0
	WireFixed64 WireType = 1
	WireBytes   WireType = 2
	WireFixed32 WireType = 5
)

// String returns a short name for the wire type.
func (w WireType) String() string {
	switch w {
	case WireVarint:
		return "varint"
	case WireFixed64:
		return "fixed64"
	case WireBytes:
		return "bytes"
	case WireFixed32:
		return "fixed32"
	default:
		return fmt.Sprintf("wire(%d)", uint8(w))
	}
}

// Header is a decoded field header.
type Header struct {
	Field uint64
	Type  WireType
}

// SplitHeader splits a header varint into its field number and wire type.
func SplitHeader(v uint64) Header {
	return Header{Field: v >> 3, Type: WireType(v & 0x7)}
}

// DecodeError reports malformed token bytes.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("token decode at offset %d: %s", e.Offset, e.Reason)
}

// Reader is a cursor over an encoded token. Every read advances the cursor.
// Reading at the end of the buffer is not an error: the read reports ok=false.
// Partial data (a truncated varint, a length past the end) is a *DecodeError.
type Reader struct {
	buf   []byte
	pos   int
	saved int
}

// NewReader returns a Reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b, saved: -1}
}

// Len reports the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.pos }

// Offset reports the cursor position.
func (r *Reader) Offset() int { return r.pos }

// Save remembers the current position for a later Restore. Only one position is kept.
func (r *Reader) Save() { r.saved = r.pos }

// Restore rewinds to the position recorded by Save. It reports false if nothing was saved.
func (r *Reader) Restore() bool {
	if r.saved < 0 {
		return false
	}
	r.pos = r.saved
	r.saved = -1
	return true
}

func (r *Reader) fail(reason string) *DecodeError {
	return &DecodeError{Offset: r.pos, Reason: reason}
}

// ReadBytes reads exactly n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, bool, error) {
	if r.Len() == 0 {
		return nil, false, nil
	}
	if n < 0 || n > r.Len() {
		return nil, false, r.fail(fmt.Sprintf("length %d exceeds remaining %d bytes", n, r.Len()))
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, true, nil
}

// ReadFixed32 reads a little-endian 32-bit integer.
func (r *Reader) ReadFixed32() (uint32, bool, error) {
	if r.Len() == 0 {
		return 0, false, nil
	}
	v, n := protowire.ConsumeFixed32(r.buf[r.pos:])
	if n < 0 {
		return 0, false, r.fail("truncated fixed32")
	}
	r.pos += n
	return v, true, nil
}

// ReadFixed64 reads a little-endian 64-bit integer.
func (r *Reader) ReadFixed64() (uint64, bool, error) {
	if r.Len() == 0 {
		return 0, false, nil
	}
	v, n := protowire.ConsumeFixed64(r.buf[r.pos:])
	if n < 0 {
		return 0, false, r.fail("truncated fixed64")
	}
	r.pos += n
	return v, true, nil
}

// ReadVarint reads a little-endian base-128 varint of up to 64 bits.
func (r *Reader) ReadVarint() (uint64, bool, error) {
	if r.Len() == 0 {
		return 0, false, nil
	}
	v, n := protowire.ConsumeVarint(r.buf[r.pos:])
	if n < 0 {
		return 0, false, r.fail(fmt.Sprintf("bad varint: %v", protowire.ParseError(n)))
	}
	r.pos += n
	return v, true, nil
}

// ReadHeader reads a field header.
func (r *Reader) ReadHeader() (Header, bool, error) {
	v, ok, err := r.ReadVarint()
	if !ok || err != nil {
		return Header{}, ok, err
	}
	h := SplitHeader(v)
	if h.Field == 0 {
		return Header{}, false, &DecodeError{Offset: r.pos, Reason: "field number 0"}
	}
	return h, true, nil
}

// ReadLengthPrefixed reads a varint length followed by that many bytes.
func (r *Reader) ReadLengthPrefixed() ([]byte, bool, error) {
	n, ok, err := r.ReadVarint()
	if !ok || err != nil {
		return nil, ok, err
	}
	if n > uint64(r.Len()) {
		return nil, false, r.fail(fmt.Sprintf("length %d exceeds remaining %d bytes", n, r.Len()))
	}
	if n == 0 {
		return []byte{}, true, nil
	}
	b, _, err := r.ReadBytes(int(n))
	return b, err == nil, err
}

// Skip consumes the payload of a field whose header has already been read.
func (r *Reader) Skip(t WireType) error {
	var err error
	var ok bool
	switch t {
	case WireVarint:
		_, ok, err = r.ReadVarint()
	case WireFixed64:
		_, ok, err = r.ReadFixed64()
	case WireFixed32:
		_, ok, err = r.ReadFixed32()
	case WireBytes:
		_, ok, err = r.ReadLengthPrefixed()
	default:
		return r.fail("unsupported wire type " + t.String())
	}
	if err != nil {
		return err
	}
	if !ok {
		return r.fail("missing payload for " + t.String())
	}
	return nil
}

// ReadField returns the raw bytes of one whole field, header included.
func (r *Reader) ReadField() ([]byte, bool, error) {
	start := r.pos
	h, ok, err := r.ReadHeader()
	if !ok || err != nil {
		return nil, ok, err
	}
	if err := r.Skip(h.Type); err != nil {
		return nil, false, err
	}
	return r.buf[start:r.pos], true, nil
}
