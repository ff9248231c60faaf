package token

import (
	"encoding/base64"
	"fmt"
)

// Wrapper field numbers of the first-request continuation.
const (
	liveReloadField   = 119693434
	replayReloadField = 156074452
)

// Chat filter values carried in field 16.
const (
	chatTypeTop = 4
	chatTypeAll = 1
)

// InitialParams identify the first page of a chat stream.
type InitialParams struct {
	ChannelID   string
	VideoID     string
	TopChatOnly bool
	Replay      bool
}

// InitialContinuation builds the continuation sent with the first poll of a stream,
// before the endpoint has issued one of its own.
func InitialContinuation(p InitialParams) string {
	header := Encode(Nested(5, String(1, p.ChannelID), String(2, p.VideoID)))
	chatType := uint64(chatTypeAll)
	if p.TopChatOnly {
		chatType = chatTypeTop
	}
	inner := []Field{
		String(3, base64.URLEncoding.EncodeToString(header)),
		Bool(6, p.Replay),
		Nested(16, Varint(1, chatType)),
	}
	wrapper := uint64(liveReloadField)
	if p.Replay {
		wrapper = replayReloadField
	}
	return base64.URLEncoding.EncodeToString(Encode(Nested(wrapper, inner...)))
}

// ParseInitial reads back a continuation produced by InitialContinuation.
func ParseInitial(s string) (InitialParams, error) {
	var p InitialParams
	raw, err := decodeBase64(s)
	if err != nil {
		return p, &DecodeError{Reason: "initial continuation: " + err.Error()}
	}
	r := NewReader(raw)
	h, ok, err := r.ReadHeader()
	if err != nil {
		return p, err
	}
	if !ok || h.Type != WireBytes || (h.Field != liveReloadField && h.Field != replayReloadField) {
		return p, &DecodeError{Reason: fmt.Sprintf("not an initial continuation (field %d)", h.Field)}
	}
	p.Replay = h.Field == replayReloadField
	inner, _, err := r.ReadLengthPrefixed()
	if err != nil {
		return p, err
	}
	fields, err := DecodeFields(inner)
	if err != nil {
		return p, err
	}
	for _, f := range fields {
		switch {
		case f.Number == 3 && f.Type == WireBytes:
			if err := parseVideoHeader(string(f.Bytes), &p); err != nil {
				return p, err
			}
		case f.Number == 16 && f.Type == WireBytes:
			filter, err := DecodeFields(f.Bytes)
			if err != nil {
				return p, err
			}
			for _, ff := range filter {
				if ff.Number == 1 && ff.Type == WireVarint {
					p.TopChatOnly = ff.Value == chatTypeTop
				}
			}
		}
	}
	return p, nil
}

func parseVideoHeader(s string, p *InitialParams) error {
	raw, err := decodeBase64(s)
	if err != nil {
		return &DecodeError{Reason: "video header: " + err.Error()}
	}
	outer, err := DecodeFields(raw)
	if err != nil {
		return err
	}
	for _, f := range outer {
		if f.Number != 5 || f.Type != WireBytes {
			continue
		}
		ids, err := DecodeFields(f.Bytes)
		if err != nil {
			return err
		}
		for _, id := range ids {
			switch id.Number {
			case 1:
				p.ChannelID = string(id.Bytes)
			case 2:
				p.VideoID = string(id.Bytes)
			}
		}
	}
	return nil
}
