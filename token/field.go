package token

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Field is one decoded field. Value holds varint and fixed-width payloads; Bytes holds
// length-prefixed payloads.
type Field struct {
	Number uint64
	Type   WireType
	Value  uint64
	Bytes  []byte
}

// Varint returns a varint field.
func Varint(num, v uint64) Field { return Field{Number: num, Type: WireVarint, Value: v} }

// Bool returns a varint field holding 0 or 1.
func Bool(num uint64, b bool) Field {
	if b {
		return Varint(num, 1)
	}
	return Varint(num, 0)
}

// Fixed32 returns a fixed-width 32-bit field.
func Fixed32(num uint64, v uint32) Field {
	return Field{Number: num, Type: WireFixed32, Value: uint64(v)}
}

// Fixed64 returns a fixed-width 64-bit field.
func Fixed64(num, v uint64) Field { return Field{Number: num, Type: WireFixed64, Value: v} }

// Bytes returns a length-prefixed field.
func Bytes(num uint64, b []byte) Field {
	if b == nil {
		b = []byte{}
	}
	return Field{Number: num, Type: WireBytes, Bytes: b}
}

// String returns a length-prefixed field holding s.
func String(num uint64, s string) Field { return Bytes(num, []byte(s)) }

// Nested returns a length-prefixed field whose payload is the encoding of fields.
func Nested(num uint64, fields ...Field) Field { return Bytes(num, Encode(fields...)) }

// AppendField appends the encoding of f to b.
func AppendField(b []byte, f Field) []byte {
	b = protowire.AppendVarint(b, f.Number<<3|uint64(f.Type))
	switch f.Type {
	case WireVarint:
		b = protowire.AppendVarint(b, f.Value)
	case WireFixed32:
		b = protowire.AppendFixed32(b, uint32(f.Value))
	case WireFixed64:
		b = protowire.AppendFixed64(b, f.Value)
	case WireBytes:
		b = protowire.AppendBytes(b, f.Bytes)
	}
	return b
}

// Encode encodes fields in order.
func Encode(fields ...Field) []byte {
	var b []byte
	for _, f := range fields {
		b = AppendField(b, f)
	}
	return b
}

// DecodeFields decodes every field in b.
func DecodeFields(b []byte) ([]Field, error) {
	r := NewReader(b)
	var out []Field
	for {
		f, ok, err := readField(r)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, f)
	}
}

func readField(r *Reader) (Field, bool, error) {
	h, ok, err := r.ReadHeader()
	if !ok || err != nil {
		return Field{}, ok, err
	}
	f := Field{Number: h.Field, Type: h.Type}
	switch h.Type {
	case WireVarint:
		f.Value, ok, err = r.ReadVarint()
	case WireFixed32:
		var v uint32
		v, ok, err = r.ReadFixed32()
		f.Value = uint64(v)
	case WireFixed64:
		f.Value, ok, err = r.ReadFixed64()
	case WireBytes:
		f.Bytes, ok, err = r.ReadLengthPrefixed()
	default:
		return Field{}, false, r.fail("unsupported wire type " + h.Type.String())
	}
	if err != nil {
		return Field{}, false, err
	}
	if !ok {
		return Field{}, false, r.fail("missing payload for field")
	}
	return f, true, nil
}
