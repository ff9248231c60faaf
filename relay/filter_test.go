package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/livechat"
)

var testStream = livechat.Identity{StreamID: "vid", ChannelID: "UCchan"}

func sampleBatch() *livechat.Batch {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return &livechat.Batch{
		Identity: testStream,
		Mode:     livechat.ModeLive,
		Events: []livechat.Event{
			{ID: "1", Type: livechat.EventText, AuthorName: "alice", Message: "hello", Timestamp: ts},
			{ID: "2", Type: livechat.EventPaid, AuthorName: "bob", Message: "!vote yes", Amount: "$5.00", Timestamp: ts},
			{ID: "3", Type: livechat.EventText, AuthorName: "carol", Message: "!vote no", Timestamp: ts},
		},
	}
}

func TestNewFilterEmpty(t *testing.T) {
	f, err := NewFilter("   ")
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.True(t, f.Match(testStream, livechat.ModeLive, livechat.Event{}))
	assert.Equal(t, "", f.String())
}

func TestNewFilterRejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{"type ==", "unknown_var == 1", "message + 1"} {
		_, err := NewFilter(expr)
		assert.Error(t, err, expr)
	}
}

func TestFilterMatch(t *testing.T) {
	b := sampleBatch()
	tests := []struct {
		expr string
		want []string
	}{
		{`type == "paid"`, []string{"2"}},
		{`message.startsWith("!vote")`, []string{"2", "3"}},
		{`author == "alice" || amount != ""`, []string{"1", "2"}},
		{`stream_id == "vid" && mode == "live"`, []string{"1", "2", "3"}},
		{`ts_ms > 0 && offset_ms == 0`, []string{"1", "2", "3"}},
		{`channel_id == "other"`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := NewFilter(tt.expr)
			require.NoError(t, err)
			var got []string
			for _, ev := range b.Events {
				if f.Match(testStream, b.Mode, ev) {
					got = append(got, ev.ID)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterNonBoolDoesNotMatch(t *testing.T) {
	f, err := NewFilter(`message`)
	require.NoError(t, err)
	assert.False(t, f.Match(testStream, livechat.ModeLive, livechat.Event{Message: "x"}))
}

func TestFilterApplyCopiesBatch(t *testing.T) {
	f, err := NewFilter(`type == "text"`)
	require.NoError(t, err)
	orig := sampleBatch()
	ev := chat.Event{Kind: chat.EventBatch, Identity: testStream, Batch: orig}

	out := f.Apply(ev)
	require.Len(t, out.Batch.Events, 2)
	assert.Len(t, orig.Events, 3, "source batch must not change")

	end := chat.Event{Kind: chat.EventEnd, Identity: testStream, Reason: chat.ReasonEnded}
	assert.Equal(t, end, f.Apply(end))
}
