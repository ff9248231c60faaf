package livechat

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Decoder turns one raw chat action into an Event. ok is false for actions that are
// not chat items (deletions, tickers, banners); those are dropped from the batch.
type Decoder interface {
	Decode(action json.RawMessage) (ev Event, ok bool)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(action json.RawMessage) (Event, bool)

func (f DecoderFunc) Decode(action json.RawMessage) (Event, bool) { return f(action) }

// Event types produced by DefaultDecoder.
const (
	EventText       = "text"
	EventPaid       = "paid"
	EventMembership = "membership"
	EventSticker    = "sticker"
)

// DefaultDecoder understands addChatItemAction with text, paid, sticker and
// membership renderers.
type DefaultDecoder struct{}

type textRun struct {
	Text  string `json:"text"`
	Emoji *struct {
		EmojiID   string   `json:"emojiId"`
		Shortcuts []string `json:"shortcuts"`
	} `json:"emoji"`
}

type textBlock struct {
	SimpleText string    `json:"simpleText"`
	Runs       []textRun `json:"runs"`
}

func (t textBlock) String() string {
	if t.SimpleText != "" {
		return t.SimpleText
	}
	var b strings.Builder
	for _, r := range t.Runs {
		switch {
		case r.Text != "":
			b.WriteString(r.Text)
		case r.Emoji != nil && len(r.Emoji.Shortcuts) > 0:
			b.WriteString(r.Emoji.Shortcuts[0])
		case r.Emoji != nil:
			b.WriteString(r.Emoji.EmojiID)
		}
	}
	return b.String()
}

type itemRenderer struct {
	ID                      string    `json:"id"`
	TimestampUsec           string    `json:"timestampUsec"`
	AuthorName              textBlock `json:"authorName"`
	AuthorExternalChannelID string    `json:"authorExternalChannelId"`
	Message                 textBlock `json:"message"`
	PurchaseAmountText      textBlock `json:"purchaseAmountText"`
	HeaderSubtext           textBlock `json:"headerSubtext"`
}

type chatAction struct {
	AddChatItemAction *struct {
		Item map[string]json.RawMessage `json:"item"`
	} `json:"addChatItemAction"`
}

var rendererTypes = map[string]string{
	"liveChatTextMessageRenderer":    EventText,
	"liveChatPaidMessageRenderer":    EventPaid,
	"liveChatPaidStickerRenderer":    EventSticker,
	"liveChatMembershipItemRenderer": EventMembership,
}

func (DefaultDecoder) Decode(action json.RawMessage) (Event, bool) {
	var a chatAction
	if err := json.Unmarshal(action, &a); err != nil || a.AddChatItemAction == nil {
		return Event{}, false
	}
	for name, raw := range a.AddChatItemAction.Item {
		typ, known := rendererTypes[name]
		if !known {
			continue
		}
		var r itemRenderer
		if err := json.Unmarshal(raw, &r); err != nil {
			return Event{}, false
		}
		ev := Event{
			ID:              r.ID,
			Type:            typ,
			AuthorName:      r.AuthorName.String(),
			AuthorChannelID: r.AuthorExternalChannelID,
			Message:         r.Message.String(),
			Amount:          r.PurchaseAmountText.String(),
			Raw:             action,
		}
		if ev.Message == "" && typ == EventMembership {
			ev.Message = r.HeaderSubtext.String()
		}
		if usec, err := strconv.ParseInt(r.TimestampUsec, 10, 64); err == nil {
			ev.Timestamp = time.UnixMicro(usec).UTC()
		}
		return ev, true
	}
	return Event{}, false
}
