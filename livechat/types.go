package livechat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chat-tender/token"
)

// Identity names one chat stream. It is comparable and used as a map key.
type Identity struct {
	StreamID  string `json:"stream_id" yaml:"stream_id"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

func (id Identity) String() string {
	if id.ChannelID == "" {
		return id.StreamID
	}
	return id.ChannelID + "/" + id.StreamID
}

// PollMode selects the endpoint variant.
type PollMode int

const (
	ModeUnknown PollMode = iota
	ModeLive
	ModeReplay
)

func (m PollMode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// ParseMode parses "live", "replay" or "unknown" (empty means unknown).
func ParseMode(s string) (PollMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown", "auto":
		return ModeUnknown, nil
	case "live":
		return ModeLive, nil
	case "replay", "archive":
		return ModeReplay, nil
	default:
		return ModeUnknown, fmt.Errorf("invalid poll mode %q", s)
	}
}

func (m PollMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *PollMode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Event is one decoded chat item.
type Event struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	AuthorName      string          `json:"author_name,omitempty"`
	AuthorChannelID string          `json:"author_channel_id,omitempty"`
	Message         string          `json:"message,omitempty"`
	Amount          string          `json:"amount,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	VideoOffsetMs   int64           `json:"video_offset_ms,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

// Batch is the result of one poll. It is not modified after Poll returns.
type Batch struct {
	Identity  Identity
	Events    []Event
	Next      *token.ContinuationToken
	Mode      PollMode
	FellBack  bool
	FetchedAt time.Time
}

// Request describes one poll. Token is nil on the first poll of a stream.
// Header carries per-request headers such as authentication.
type Request struct {
	Identity    Identity
	Mode        PollMode
	Token       *token.ContinuationToken
	TopChatOnly bool
	Header      http.Header
}
