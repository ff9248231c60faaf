package relay

import (
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/livechat"
)

// Filter is a compiled CEL expression over single chat events. A nil or empty Filter
// matches everything. Available variables:
//
//	stream_id, channel_id, mode, type, id, author, author_channel_id, message, amount (string)
//	ts_ms, offset_ms (int)
//
// Example: `type == "paid" || message.contains("!vote")`.
type Filter struct {
	expr string
	prog cel.Program
}

// NewFilter compiles expr. An empty expression yields a nil filter.
func NewFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("stream_id", cel.StringType),
		cel.Variable("channel_id", cel.StringType),
		cel.Variable("mode", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("id", cel.StringType),
		cel.Variable("author", cel.StringType),
		cel.Variable("author_channel_id", cel.StringType),
		cel.Variable("message", cel.StringType),
		cel.Variable("amount", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("offset_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr, prog: prog}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter for one event. Evaluation errors and non-bool results do
// not match.
func (f *Filter) Match(id livechat.Identity, mode livechat.PollMode, ev livechat.Event) bool {
	if f == nil {
		return true
	}
	var ts int64
	if !ev.Timestamp.IsZero() {
		ts = ev.Timestamp.UnixMilli()
	}
	out, _, err := f.prog.Eval(map[string]any{
		"stream_id":         id.StreamID,
		"channel_id":        id.ChannelID,
		"mode":              mode.String(),
		"type":              ev.Type,
		"id":                ev.ID,
		"author":            ev.AuthorName,
		"author_channel_id": ev.AuthorChannelID,
		"message":           ev.Message,
		"amount":            ev.Amount,
		"ts_ms":             ts,
		"offset_ms":         ev.VideoOffsetMs,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Apply returns ev with its batch reduced to matching events. The original batch is not
// modified; lifecycle events pass through unchanged.
func (f *Filter) Apply(ev chat.Event) chat.Event {
	if f == nil || ev.Kind != chat.EventBatch || ev.Batch == nil {
		return ev
	}
	b := *ev.Batch
	b.Events = make([]livechat.Event, 0, len(ev.Batch.Events))
	for _, e := range ev.Batch.Events {
		if f.Match(ev.Identity, b.Mode, e) {
			b.Events = append(b.Events, e)
		}
	}
	ev.Batch = &b
	return ev
}
