package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chat-tender/livechat"
	"github.com/onnwee/chat-tender/token"
)

// blockingPoller returns one empty live batch per stream and then blocks until the
// session is cancelled.
func blockingPoller() *fakePoller {
	return &fakePoller{fn: func(ctx context.Context, req livechat.Request, _ int) (*livechat.Batch, error) {
		if req.Token == nil {
			return liveBatch("next", 0, 0), nil
		}
		<-ctx.Done()
		return nil, &livechat.Error{Kind: livechat.KindAborted, Err: ctx.Err()}
	}}
}

func firstPolls(fp *fakePoller, id livechat.Identity) int {
	n := 0
	for _, r := range fp.requests() {
		if r.Identity == id && r.Token == nil {
			n++
		}
	}
	return n
}

func TestPoolSubscribeIsIdempotent(t *testing.T) {
	fp := blockingPoller()
	pool := NewPool(context.Background(), fp, PoolOptions{})
	defer pool.Close()

	var wg sync.WaitGroup
	handles := make([]*Handle, 50)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := pool.Subscribe(testStream, Params{})
			if err != nil {
				t.Errorf("subscribe: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, 1, pool.Len())
	assert.Eventually(t, func() bool { return firstPolls(fp, testStream) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, firstPolls(fp, testStream), "exactly one session polls the stream")
}

func TestPoolRemovesStreamBeforeRelayingEnd(t *testing.T) {
	fp := &fakePoller{fn: func(context.Context, livechat.Request, int) (*livechat.Batch, error) {
		return liveBatch("", 0, 1), nil
	}}
	pool := NewPool(context.Background(), fp, PoolOptions{})
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := pool.Listen(ctx)

	_, err := pool.Subscribe(testStream, Params{})
	require.NoError(t, err)

	ev := recv(t, events)
	assert.Equal(t, EventBatch, ev.Kind)
	assert.Equal(t, testStream, ev.Identity)
	ev = recv(t, events)
	require.Equal(t, EventEnd, ev.Kind)
	assert.False(t, pool.Has(testStream), "identity is gone by the time the end event is seen")

	h, err := pool.Subscribe(testStream, Params{})
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, EventBatch, recv(t, events).Kind, "a later subscribe starts a new session")
}

func TestPoolRemovesStreamOnError(t *testing.T) {
	fp := &fakePoller{fn: func(context.Context, livechat.Request, int) (*livechat.Batch, error) {
		return nil, &livechat.Error{Kind: livechat.KindNotFound}
	}}
	pool := NewPool(context.Background(), fp, PoolOptions{})
	defer pool.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := pool.Listen(ctx)

	_, err := pool.Subscribe(testStream, Params{})
	require.NoError(t, err)
	ev := recv(t, events)
	require.Equal(t, EventError, ev.Kind)
	assert.True(t, errors.Is(ev.Err, livechat.ErrNotFound), "pool does not suppress errors")
	assert.False(t, pool.Has(testStream))
}

func TestPoolUnsubscribe(t *testing.T) {
	fp := blockingPoller()
	pool := NewPool(context.Background(), fp, PoolOptions{})
	defer pool.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := pool.Listen(ctx)

	h, err := pool.Subscribe(testStream, Params{})
	require.NoError(t, err)
	assert.Equal(t, EventBatch, recv(t, events).Kind)

	assert.True(t, pool.Unsubscribe(testStream))
	ev := recv(t, events)
	assert.Equal(t, EventEnd, ev.Kind)
	assert.Equal(t, ReasonCancelled, ev.Reason)
	assert.False(t, pool.Has(testStream))
	assert.True(t, errors.Is(h.Wait(), livechat.ErrAborted))

	assert.False(t, pool.Unsubscribe(testStream), "unknown identity")
}

func TestPoolLookupIgnoresChannel(t *testing.T) {
	pool := NewPool(context.Background(), blockingPoller(), PoolOptions{})
	defer pool.Close()

	_, ok := pool.Lookup(testStream.StreamID)
	assert.False(t, ok)

	h, err := pool.Subscribe(livechat.Identity{StreamID: testStream.StreamID}, Params{Mode: livechat.ModeReplay})
	require.NoError(t, err)
	got, ok := pool.Lookup(testStream.StreamID)
	require.True(t, ok)
	assert.Same(t, h, got)
	_, ok = pool.Lookup("missing")
	assert.False(t, ok)
}

func TestPoolStreamsAreIndependent(t *testing.T) {
	fp := blockingPoller()
	pool := NewPool(context.Background(), fp, PoolOptions{})
	defer pool.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := pool.Listen(ctx)

	other := livechat.Identity{StreamID: "other", ChannelID: "UCother"}
	_, err := pool.Subscribe(testStream, Params{})
	require.NoError(t, err)
	_, err = pool.Subscribe(other, Params{})
	require.NoError(t, err)

	seen := map[livechat.Identity]bool{}
	for i := 0; i < 2; i++ {
		seen[recv(t, events).Identity] = true
	}
	assert.True(t, seen[testStream] && seen[other], "events are tagged with their stream")

	pool.Unsubscribe(other)
	assert.Equal(t, other, recv(t, events).Identity)
	assert.True(t, pool.Has(testStream), "stopping one stream leaves the other running")
	hs := pool.Handles()
	require.Len(t, hs, 1)
	assert.Equal(t, StateRunning, hs[0].State())
}

func TestPoolMaxSessions(t *testing.T) {
	pool := NewPool(context.Background(), blockingPoller(), PoolOptions{MaxSessions: 1})
	defer pool.Close()

	_, err := pool.Subscribe(testStream, Params{})
	require.NoError(t, err)
	_, err = pool.Subscribe(livechat.Identity{StreamID: "b"}, Params{})
	assert.Equal(t, ErrPoolFull, err)
	_, err = pool.Subscribe(testStream, Params{})
	assert.NoError(t, err, "existing stream does not count against the limit twice")
}

func TestPoolClose(t *testing.T) {
	pool := NewPool(context.Background(), blockingPoller(), PoolOptions{ListenerBuffer: 8})
	events := pool.Listen(context.Background())

	h, err := pool.Subscribe(testStream, Params{})
	require.NoError(t, err)

	pool.Close()
	got := collect(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, EventEnd, got[len(got)-1].Kind)
	assert.Equal(t, StateStopped, h.State())
	assert.Equal(t, 0, pool.Len())

	_, err = pool.Subscribe(testStream, Params{})
	assert.Equal(t, ErrPoolClosed, err)
}

func TestPoolListenerContextEnds(t *testing.T) {
	pool := NewPool(context.Background(), blockingPoller(), PoolOptions{})
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events := pool.Listen(ctx)
	cancel()
	collect(t, events)

	// A departed listener must not block relaying.
	h, err := pool.Subscribe(testStream, Params{})
	require.NoError(t, err)
	pool.Unsubscribe(testStream)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

// endlessReplay answers every poll with a one-event replay page after a short pause.
func endlessReplay(polls map[string]*atomic.Int64) *fakePoller {
	return &fakePoller{fn: func(ctx context.Context, req livechat.Request, _ int) (*livechat.Batch, error) {
		if c, ok := polls[req.Identity.StreamID]; ok {
			c.Add(1)
		}
		select {
		case <-ctx.Done():
			return nil, &livechat.Error{Kind: livechat.KindAborted, Err: ctx.Err()}
		case <-time.After(time.Millisecond):
		}
		return &livechat.Batch{Mode: livechat.ModeReplay, Events: make([]livechat.Event, 1), Next: token.NewUntimed("more")}, nil
	}}
}

func TestPoolSlowListenerIsDisconnected(t *testing.T) {
	polls := map[string]*atomic.Int64{"a": {}, "b": {}}
	pool := NewPool(context.Background(), endlessReplay(polls), PoolOptions{ListenerBuffer: 2})

	stalled := pool.Listen(context.Background())
	_, err := pool.Subscribe(livechat.Identity{StreamID: "a"}, Params{Mode: livechat.ModeReplay})
	require.NoError(t, err)
	_, err = pool.Subscribe(livechat.Identity{StreamID: "b"}, Params{Mode: livechat.ModeReplay})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return polls["b"].Load() > 20 }, 5*time.Second, 5*time.Millisecond,
		"a listener that never reads must not stall other streams")
	got := collect(t, stalled)
	assert.LessOrEqual(t, len(got), 2, "only the buffered events were delivered")

	closed := make(chan struct{})
	go func() {
		pool.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a stalled listener")
	}
}

func TestPoolListenStreams(t *testing.T) {
	pool := NewPool(context.Background(), blockingPoller(), PoolOptions{})
	defer pool.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	other := livechat.Identity{StreamID: "other", ChannelID: "UCother"}
	events := pool.Listen(ctx, ListenStreams(other.StreamID), ListenBuffer(4))
	_, err := pool.Subscribe(testStream, Params{})
	require.NoError(t, err)
	_, err = pool.Subscribe(other, Params{})
	require.NoError(t, err)

	ev := recv(t, events)
	assert.Equal(t, other, ev.Identity)
	assert.Equal(t, EventBatch, ev.Kind)

	pool.Unsubscribe(testStream)
	pool.Unsubscribe(other)
	ev = recv(t, events)
	assert.Equal(t, other, ev.Identity, "events of other streams are not delivered")
	assert.Equal(t, EventEnd, ev.Kind)
}
