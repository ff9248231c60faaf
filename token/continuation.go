package token

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
)

// Kind distinguishes paced (live) continuations from unpaced (replay) ones.
type Kind uint64

const (
	KindUnspecified Kind = 0
	KindTimed       Kind = 1
	KindUntimed     Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindTimed:
		return "timed"
	case KindUntimed:
		return "untimed"
	default:
		return "unspecified"
	}
}

const (
	fieldKind    = 1
	fieldCursor  = 2
	fieldTimeout = 3
)

// ContinuationToken says where to resume polling. Cursor is sent back to the
// endpoint verbatim. TimeoutMs is only meaningful for timed tokens.
type ContinuationToken struct {
	Kind      Kind
	Cursor    []byte
	TimeoutMs uint64

	// segments are the decoded fields in wire order. Marshal re-emits them in place,
	// byte for byte while the interpreted value is unchanged.
	segments []segment
	parsed   struct {
		kind    Kind
		cursor  []byte
		timeout uint64
	}
}

// segment is one field as read from the wire; field is 0 for fields this package does
// not interpret.
type segment struct {
	field uint64
	raw   []byte
}

// Timed reports whether the token carries a re-poll delay.
func (t *ContinuationToken) Timed() bool { return t != nil && t.Kind == KindTimed }

// String returns the cursor as the endpoint expects it.
func (t *ContinuationToken) String() string {
	if t == nil {
		return ""
	}
	return string(t.Cursor)
}

// NewTimed returns a timed token for cursor.
func NewTimed(cursor string, timeoutMs uint64) *ContinuationToken {
	return &ContinuationToken{Kind: KindTimed, Cursor: []byte(cursor), TimeoutMs: timeoutMs}
}

// NewUntimed returns an untimed token for cursor.
func NewUntimed(cursor string) *ContinuationToken {
	return &ContinuationToken{Kind: KindUntimed, Cursor: []byte(cursor)}
}

// Parse decodes the binary form produced by Marshal.
func Parse(b []byte) (*ContinuationToken, error) {
	r := NewReader(b)
	t := &ContinuationToken{}
	for {
		start := r.Offset()
		r.Save()
		h, ok, err := r.ReadHeader()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		field := h.Field
		switch {
		case h.Field == fieldKind && h.Type == WireVarint:
			v, ok, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &DecodeError{Offset: r.Offset(), Reason: "missing kind"}
			}
			t.Kind = Kind(v)
		case h.Field == fieldCursor && h.Type == WireBytes:
			c, ok, err := r.ReadLengthPrefixed()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &DecodeError{Offset: r.Offset(), Reason: "missing cursor"}
			}
			t.Cursor = append([]byte(nil), c...)
		case h.Field == fieldTimeout && h.Type == WireVarint:
			v, ok, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &DecodeError{Offset: r.Offset(), Reason: "missing timeout"}
			}
			t.TimeoutMs = v
		default:
			// Not ours: rewind and keep the whole field verbatim.
			r.Restore()
			if _, _, err := r.ReadField(); err != nil {
				return nil, err
			}
			field = 0
		}
		t.segments = append(t.segments, segment{field: field, raw: append([]byte(nil), b[start:r.Offset()]...)})
	}
	if t.Kind != KindTimed && t.Kind != KindUntimed {
		return nil, &DecodeError{Offset: r.Offset(), Reason: fmt.Sprintf("unknown continuation kind %d", t.Kind)}
	}
	t.parsed.kind = t.Kind
	t.parsed.cursor = append([]byte(nil), t.Cursor...)
	t.parsed.timeout = t.TimeoutMs
	return t, nil
}

// Marshal encodes the token. A parsed token is re-emitted in its original field order;
// fields whose value changed since Parse are re-encoded at their first position. Zero
// kind-specific fields absent from the input are omitted.
func (t *ContinuationToken) Marshal() []byte {
	var (
		b                           []byte
		kindSeen, curSeen, toutSeen bool
	)
	for _, seg := range t.segments {
		switch seg.field {
		case fieldKind:
			if t.Kind == t.parsed.kind {
				b = append(b, seg.raw...)
			} else if !kindSeen {
				b = AppendField(b, Varint(fieldKind, uint64(t.Kind)))
			}
			kindSeen = true
		case fieldCursor:
			if bytes.Equal(t.Cursor, t.parsed.cursor) {
				b = append(b, seg.raw...)
			} else if !curSeen {
				b = AppendField(b, Bytes(fieldCursor, t.Cursor))
			}
			curSeen = true
		case fieldTimeout:
			if t.TimeoutMs == t.parsed.timeout {
				b = append(b, seg.raw...)
			} else if !toutSeen {
				b = AppendField(b, Varint(fieldTimeout, t.TimeoutMs))
			}
			toutSeen = true
		default:
			b = append(b, seg.raw...)
		}
	}
	if !kindSeen {
		b = AppendField(b, Varint(fieldKind, uint64(t.Kind)))
	}
	if !curSeen && len(t.Cursor) > 0 {
		b = AppendField(b, Bytes(fieldCursor, t.Cursor))
	}
	if !toutSeen && t.TimeoutMs > 0 {
		b = AppendField(b, Varint(fieldTimeout, t.TimeoutMs))
	}
	return b
}

// Resume returns the token as a URL-safe string suitable for checkpoints.
func (t *ContinuationToken) Resume() string {
	return base64.RawURLEncoding.EncodeToString(t.Marshal())
}

// ParseResume decodes a string produced by Resume.
func ParseResume(s string) (*ContinuationToken, error) {
	b, err := decodeBase64(s)
	if err != nil {
		return nil, &DecodeError{Reason: "resume token: " + err.Error()}
	}
	return Parse(b)
}

// decodeBase64 accepts padded or unpadded URL-safe base64, including the
// percent-escaped padding the endpoint sometimes returns.
func decodeBase64(s string) ([]byte, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "%3D", "=")
	if strings.HasSuffix(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
