package relay

import (
	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/livechat"
)

// Envelope kinds.
const (
	KindMessage = "message"
	KindEnd     = "end"
	KindError   = "error"
)

// Envelope is the JSON shape published to Redis, SSE and websocket clients. A batch
// becomes one envelope per chat event.
type Envelope struct {
	Kind       string          `json:"kind"`
	StreamID   string          `json:"stream_id"`
	ChannelID  string          `json:"channel_id,omitempty"`
	Mode       string          `json:"mode,omitempty"`
	Event      *livechat.Event `json:"event,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Checkpoint string          `json:"checkpoint,omitempty"`
}

// Envelopes flattens a session event.
func Envelopes(ev chat.Event) []Envelope {
	base := Envelope{StreamID: ev.Identity.StreamID, ChannelID: ev.Identity.ChannelID}
	switch ev.Kind {
	case chat.EventBatch:
		if ev.Batch == nil {
			return nil
		}
		var checkpoint string
		if ev.Batch.Next != nil {
			checkpoint = ev.Batch.Next.Resume()
		}
		out := make([]Envelope, 0, len(ev.Batch.Events))
		for i := range ev.Batch.Events {
			e := base
			e.Kind = KindMessage
			e.Mode = ev.Batch.Mode.String()
			e.Event = &ev.Batch.Events[i]
			e.Checkpoint = checkpoint
			out = append(out, e)
		}
		return out
	case chat.EventEnd:
		base.Kind = KindEnd
		base.Reason = string(ev.Reason)
		return []Envelope{base}
	case chat.EventError:
		base.Kind = KindError
		if ev.Err != nil {
			base.Error = ev.Err.Error()
			base.ErrorKind = livechat.KindOf(ev.Err).String()
		}
		return []Envelope{base}
	}
	return nil
}
