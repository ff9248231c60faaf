package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/db"
	"github.com/onnwee/chat-tender/livechat"
	"github.com/onnwee/chat-tender/testutil"
	"github.com/onnwee/chat-tender/token"
)

func TestEnvelopes(t *testing.T) {
	b := sampleBatch()
	b.Next = token.NewTimed("cursor", 1000)
	envs := Envelopes(chat.Event{Kind: chat.EventBatch, Identity: testStream, Batch: b})
	require.Len(t, envs, 3)
	assert.Equal(t, KindMessage, envs[0].Kind)
	assert.Equal(t, "live", envs[0].Mode)
	assert.Equal(t, "2", envs[1].Event.ID)
	assert.Equal(t, b.Next.Resume(), envs[2].Checkpoint)

	envs = Envelopes(chat.Event{Kind: chat.EventEnd, Identity: testStream, Reason: chat.ReasonCancelled})
	require.Len(t, envs, 1)
	assert.Equal(t, Envelope{Kind: KindEnd, StreamID: "vid", ChannelID: "UCchan", Reason: "cancelled"}, envs[0])

	err := &livechat.Error{Kind: livechat.KindPermission, Message: "denied"}
	envs = Envelopes(chat.Event{Kind: chat.EventError, Identity: testStream, Err: err})
	require.Len(t, envs, 1)
	assert.Equal(t, "permission_denied", envs[0].ErrorKind)
	assert.Contains(t, envs[0].Error, "denied")
}

func TestRedisSinkPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	sink := NewRedisSink(client, WithChannelPrefix("test"))
	assert.Equal(t, "test:vid", sink.Channel("vid"))

	sub := client.Subscribe(ctx, sink.Channel("vid"))
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	msgs := sub.Channel()

	require.NoError(t, sink.Write(ctx, chat.Event{Kind: chat.EventBatch, Identity: testStream, Batch: sampleBatch()}))
	require.NoError(t, sink.Write(ctx, chat.Event{Kind: chat.EventEnd, Identity: testStream, Reason: chat.ReasonEnded}))

	var got []Envelope
	timeout := time.After(5 * time.Second)
	for len(got) < 4 {
		select {
		case m := <-msgs:
			var e Envelope
			require.NoError(t, json.Unmarshal([]byte(m.Payload), &e))
			got = append(got, e)
		case <-timeout:
			t.Fatalf("received %d messages, want 4", len(got))
		}
	}
	assert.Equal(t, "hello", got[0].Event.Message)
	assert.Equal(t, "$5.00", got[1].Event.Amount)
	assert.Equal(t, KindEnd, got[3].Kind)
}

func TestRedisSinkDefaultPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	assert.Equal(t, "chat:abc", NewRedisSink(client, WithChannelPrefix("")).Channel("abc"))
}

func TestRedisSinkUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	err := NewRedisSink(client).Write(context.Background(), chat.Event{Kind: chat.EventEnd, Identity: testStream})
	assert.Error(t, err)
}

// fakeSource serves events on the first subscription and each entry of later on the
// subsequent ones; it reports closing once every round has been handed out.
type fakeSource struct {
	events  []chat.Event
	later   [][]chat.Event
	listens int
	opts    []int
}

func (f *fakeSource) Listen(ctx context.Context, opts ...chat.ListenOption) <-chan chat.Event {
	round := f.events
	if f.listens > 0 && f.listens <= len(f.later) {
		round = f.later[f.listens-1]
	} else if f.listens > 0 {
		round = nil
	}
	f.listens++
	f.opts = append(f.opts, len(opts))
	ch := make(chan chat.Event, len(round))
	for _, ev := range round {
		ch <- ev
	}
	close(ch)
	return ch
}

func (f *fakeSource) Closing() <-chan struct{} {
	ch := make(chan struct{})
	if f.listens > len(f.later) {
		close(ch)
	}
	return ch
}

type recordingSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []chat.Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(ctx context.Context, ev chat.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return s.err
}

func TestRunnerFansOutAndFilters(t *testing.T) {
	src := &fakeSource{events: []chat.Event{
		{Kind: chat.EventBatch, Identity: testStream, Batch: sampleBatch()},
		{Kind: chat.EventBatch, Identity: testStream, Batch: &livechat.Batch{Mode: livechat.ModeLive, Events: []livechat.Event{{ID: "x", Type: livechat.EventText}}}},
		{Kind: chat.EventEnd, Identity: testStream, Reason: chat.ReasonEnded},
	}}
	f, err := NewFilter(`type == "paid"`)
	require.NoError(t, err)

	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", err: errors.New("boom")}
	r := NewRunner(src, f, ok, bad)
	assert.Equal(t, []string{"ok", "bad"}, r.Sinks())

	require.NoError(t, r.Run(context.Background()))

	// The second batch filters to nothing and is skipped; failures do not stop delivery.
	for _, s := range []*recordingSink{ok, bad} {
		require.Len(t, s.got, 2, s.name)
		require.Len(t, s.got[0].Batch.Events, 1)
		assert.Equal(t, "2", s.got[0].Batch.Events[0].ID)
		assert.Equal(t, chat.EventEnd, s.got[1].Kind)
	}
}

func TestRunnerWithoutSinks(t *testing.T) {
	src := &fakeSource{}
	r := NewRunner(src, nil)
	assert.NoError(t, r.Run(context.Background()))
	assert.Zero(t, src.listens)
}

func TestRunnerResubscribesAfterDisconnect(t *testing.T) {
	src := &fakeSource{
		events: []chat.Event{{Kind: chat.EventBatch, Identity: testStream, Batch: sampleBatch()}},
		later: [][]chat.Event{
			nil,
			{{Kind: chat.EventEnd, Identity: testStream, Reason: chat.ReasonEnded}},
		},
	}
	sink := &recordingSink{name: "ok"}
	r := NewRunner(src, nil, sink)
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, 3, src.listens)
	assert.Equal(t, []int{1, 1, 1}, src.opts)
	require.Len(t, sink.got, 2)
	assert.Equal(t, chat.EventBatch, sink.got[0].Kind)
	assert.Equal(t, chat.EventEnd, sink.got[1].Kind)
}

func TestRunnerStopsWhenContextEnds(t *testing.T) {
	src := &fakeSource{later: make([][]chat.Event, 100)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(src, nil, &recordingSink{name: "ok"})
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, 1, src.listens)
}

func TestPostgresSink(t *testing.T) {
	id := livechat.Identity{StreamID: "relay_pg_sink", ChannelID: "UCchan"}
	dbx := testutil.SetupTestDB(t, id.StreamID)
	ctx := context.Background()

	b := sampleBatch()
	b.Identity = id
	sink := NewPostgresSink(dbx)
	require.NoError(t, sink.Write(ctx, chat.Event{Kind: chat.EventBatch, Identity: id, Batch: b}))
	require.NoError(t, sink.Write(ctx, chat.Event{Kind: chat.EventEnd, Identity: id}))

	rows, _, err := db.ListChatEvents(ctx, dbx, id.StreamID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
