package livechat

import (
	"encoding/json"
	"strconv"

	"github.com/onnwee/chat-tender/token"
)

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type continuationData struct {
	Continuation string `json:"continuation"`
	TimeoutMs    uint64 `json:"timeoutMs"`
}

type continuationEntry struct {
	Timed        *continuationData `json:"timedContinuationData"`
	Invalidation *continuationData `json:"invalidationContinuationData"`
	Replay       *continuationData `json:"liveChatReplayContinuationData"`
	Reload       *continuationData `json:"reloadContinuationData"`
	PlayerSeek   *continuationData `json:"playerSeekContinuationData"`
}

// token converts the entry to a continuation token, or nil if it names none.
func (e continuationEntry) token() *token.ContinuationToken {
	switch {
	case e.Timed != nil && e.Timed.Continuation != "":
		return token.NewTimed(e.Timed.Continuation, e.Timed.TimeoutMs)
	case e.Invalidation != nil && e.Invalidation.Continuation != "":
		return token.NewTimed(e.Invalidation.Continuation, e.Invalidation.TimeoutMs)
	case e.Replay != nil && e.Replay.Continuation != "":
		return token.NewUntimed(e.Replay.Continuation)
	case e.Reload != nil && e.Reload.Continuation != "":
		return token.NewUntimed(e.Reload.Continuation)
	case e.PlayerSeek != nil && e.PlayerSeek.Continuation != "":
		return token.NewUntimed(e.PlayerSeek.Continuation)
	}
	return nil
}

type liveChatContinuation struct {
	Continuations []continuationEntry `json:"continuations"`
	Actions       []json.RawMessage   `json:"actions"`
}

type pollResponse struct {
	Error                *apiError `json:"error"`
	ContinuationContents *struct {
		LiveChatContinuation *liveChatContinuation `json:"liveChatContinuation"`
	} `json:"continuationContents"`
	Contents *struct {
		MessageRenderer *struct {
			Text textBlock `json:"text"`
		} `json:"messageRenderer"`
	} `json:"contents"`
}

func (r *pollResponse) chat() *liveChatContinuation {
	if r.ContinuationContents == nil {
		return nil
	}
	return r.ContinuationContents.LiveChatContinuation
}

func (r *pollResponse) reasonText() string {
	if r.Contents == nil || r.Contents.MessageRenderer == nil {
		return ""
	}
	return r.Contents.MessageRenderer.Text.String()
}

// nextToken returns the first usable continuation, or nil when the stream has no
// further page.
func (c *liveChatContinuation) nextToken() *token.ContinuationToken {
	for _, e := range c.Continuations {
		if tok := e.token(); tok != nil {
			return tok
		}
	}
	return nil
}

type replayEnvelope struct {
	ReplayChatItemAction *struct {
		Actions             []json.RawMessage `json:"actions"`
		VideoOffsetTimeMsec string            `json:"videoOffsetTimeMsec"`
	} `json:"replayChatItemAction"`
}

// decodeActions runs every action through dec. In replay mode actions arrive wrapped
// in replayChatItemAction together with their offset into the recording.
func decodeActions(actions []json.RawMessage, mode PollMode, dec Decoder) []Event {
	events := make([]Event, 0, len(actions))
	for _, raw := range actions {
		if mode == ModeReplay {
			var env replayEnvelope
			if err := json.Unmarshal(raw, &env); err == nil && env.ReplayChatItemAction != nil {
				offset, _ := strconv.ParseInt(env.ReplayChatItemAction.VideoOffsetTimeMsec, 10, 64)
				for _, inner := range env.ReplayChatItemAction.Actions {
					if ev, ok := dec.Decode(inner); ok {
						ev.VideoOffsetMs = offset
						events = append(events, ev)
					}
				}
				continue
			}
		}
		if ev, ok := dec.Decode(raw); ok {
			events = append(events, ev)
		}
	}
	return events
}
