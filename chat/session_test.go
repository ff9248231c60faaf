package chat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chat-tender/livechat"
	"github.com/onnwee/chat-tender/token"
)

// fakePoller answers polls with fn and records requests.
type fakePoller struct {
	mu   sync.Mutex
	reqs []livechat.Request
	fn   func(ctx context.Context, req livechat.Request, n int) (*livechat.Batch, error)
}

func (f *fakePoller) Poll(ctx context.Context, req livechat.Request) (*livechat.Batch, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	n := len(f.reqs)
	f.mu.Unlock()
	return f.fn(ctx, req, n)
}

func (f *fakePoller) requests() []livechat.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]livechat.Request(nil), f.reqs...)
}

func liveBatch(next string, timeoutMs uint64, n int) *livechat.Batch {
	b := &livechat.Batch{Mode: livechat.ModeLive, Events: make([]livechat.Event, n)}
	if next != "" {
		b.Next = token.NewTimed(next, timeoutMs)
	}
	return b
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event channel not closed; got %d events", len(out))
		}
	}
}

func recv(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "channel closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

var testStream = livechat.Identity{StreamID: "vid", ChannelID: "UCchan"}

func TestNextWait(t *testing.T) {
	tests := []struct {
		timeout, elapsed, want time.Duration
	}{
		{5000 * time.Millisecond, 1200 * time.Millisecond, 3800 * time.Millisecond},
		{5000 * time.Millisecond, 7000 * time.Millisecond, 0},
		{5000 * time.Millisecond, 5000 * time.Millisecond, 0},
		{0, 0, 0},
		{1000 * time.Millisecond, 0, 1000 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := NextWait(tt.timeout, tt.elapsed); got != tt.want {
			t.Errorf("NextWait(%v, %v) = %v, want %v", tt.timeout, tt.elapsed, got, tt.want)
		}
	}
}

func TestSessionEndsWhenStreamHasNoNextPage(t *testing.T) {
	fp := &fakePoller{fn: func(context.Context, livechat.Request, int) (*livechat.Batch, error) {
		return liveBatch("", 0, 2), nil
	}}
	s := NewSession(testStream, fp, SessionOptions{Clock: testclock.NewClock(time.Unix(0, 0))})

	events, err := s.Start(context.Background(), Params{})
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, 2)
	assert.Equal(t, EventBatch, got[0].Kind)
	assert.Len(t, got[0].Batch.Events, 2)
	assert.Equal(t, testStream, got[0].Identity)
	assert.Equal(t, EventEnd, got[1].Kind)
	assert.Equal(t, ReasonEnded, got[1].Reason)
	assert.NoError(t, s.Wait())
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, "", s.Checkpoint())
}

func TestSessionWaitsDriftCompensatedTimeout(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	fp := &fakePoller{}
	fp.fn = func(_ context.Context, _ livechat.Request, n int) (*livechat.Batch, error) {
		if n == 1 {
			clk.Advance(1200 * time.Millisecond) // poll latency
			return liveBatch("p2", 5000, 1), nil
		}
		return liveBatch("", 0, 0), nil
	}
	s := NewSession(testStream, fp, SessionOptions{Clock: clk, Buffer: 4})

	events, err := s.Start(context.Background(), Params{Mode: livechat.ModeLive})
	require.NoError(t, err)
	assert.Equal(t, EventBatch, recv(t, events).Kind)

	// The session must be sleeping 3800ms: just short of that no poll happens.
	require.NoError(t, clk.WaitAdvance(3799*time.Millisecond, 5*time.Second, 1))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, fp.requests(), 1)

	clk.Advance(time.Millisecond)
	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventEnd, got[1].Kind)

	reqs := fp.requests()
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[0].Token)
	assert.Equal(t, "p2", reqs[1].Token.String(), "next token is re-sent")
}

func TestSessionOverrunPollsImmediately(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	fp := &fakePoller{}
	fp.fn = func(_ context.Context, _ livechat.Request, n int) (*livechat.Batch, error) {
		if n == 1 {
			clk.Advance(7 * time.Second)
			return liveBatch("p2", 5000, 0), nil
		}
		return liveBatch("", 0, 0), nil
	}
	s := NewSession(testStream, fp, SessionOptions{Clock: clk})

	events, err := s.Start(context.Background(), Params{})
	require.NoError(t, err)
	got := collect(t, events)
	assert.Len(t, got, 3)
	assert.Len(t, fp.requests(), 2)
}

func TestSessionReplayDoesNotWait(t *testing.T) {
	fp := &fakePoller{fn: func(_ context.Context, _ livechat.Request, n int) (*livechat.Batch, error) {
		b := &livechat.Batch{Mode: livechat.ModeReplay, Events: []livechat.Event{{ID: "e"}}}
		if n < 4 {
			b.Next = token.NewUntimed("r")
		}
		return b, nil
	}}
	// Clock is never advanced, so any wait would hang the test.
	s := NewSession(testStream, fp, SessionOptions{Clock: testclock.NewClock(time.Unix(0, 0))})

	events, err := s.Start(context.Background(), Params{Mode: livechat.ModeReplay})
	require.NoError(t, err)
	got := collect(t, events)
	assert.Len(t, got, 5)
	assert.Equal(t, livechat.ModeReplay, s.Mode())
}

func TestSessionStopDuringWait(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	fp := &fakePoller{fn: func(context.Context, livechat.Request, int) (*livechat.Batch, error) {
		return liveBatch("p", 5000, 1), nil
	}}
	s := NewSession(testStream, fp, SessionOptions{Clock: clk})

	events, err := s.Start(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, EventBatch, recv(t, events).Kind)
	require.NoError(t, clk.WaitAdvance(time.Second, 5*time.Second, 1))
	assert.NotEmpty(t, s.Checkpoint())

	s.Stop()
	got := collect(t, events)
	require.Len(t, got, 1, "no error event after cancellation")
	assert.Equal(t, EventEnd, got[0].Kind)
	assert.Equal(t, ReasonCancelled, got[0].Reason)
	assert.True(t, errors.Is(s.Wait(), livechat.ErrAborted))
	assert.Equal(t, StateStopped, s.State())
	assert.Len(t, fp.requests(), 1)
}

func TestSessionStopDuringPoll(t *testing.T) {
	inPoll := make(chan struct{})
	fp := &fakePoller{fn: func(ctx context.Context, _ livechat.Request, _ int) (*livechat.Batch, error) {
		close(inPoll)
		<-ctx.Done()
		return nil, &livechat.Error{Kind: livechat.KindAborted, Err: ctx.Err()}
	}}
	s := NewSession(testStream, fp, SessionOptions{})

	events, err := s.Start(context.Background(), Params{})
	require.NoError(t, err)
	<-inPoll
	s.Stop()
	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonCancelled, got[0].Reason)
	assert.True(t, errors.Is(s.Wait(), livechat.ErrAborted))
}

func TestSessionParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fp := &fakePoller{fn: func(ctx context.Context, _ livechat.Request, _ int) (*livechat.Batch, error) {
		cancel()
		return nil, &livechat.Error{Kind: livechat.KindAborted, Err: ctx.Err()}
	}}
	s := NewSession(testStream, fp, SessionOptions{})

	events, err := s.Start(ctx, Params{})
	require.NoError(t, err)
	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, EventEnd, got[0].Kind)
}

func TestSessionFatalError(t *testing.T) {
	perm := &livechat.Error{Kind: livechat.KindPermission, Status: "PERMISSION_DENIED"}
	fp := &fakePoller{fn: func(context.Context, livechat.Request, int) (*livechat.Batch, error) {
		return nil, perm
	}}
	s := NewSession(testStream, fp, SessionOptions{})

	events, err := s.Start(context.Background(), Params{})
	require.NoError(t, err)
	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Kind)
	assert.True(t, errors.Is(got[0].Err, livechat.ErrPermission))
	assert.Equal(t, StateErrored, s.State())
	assert.Equal(t, perm, s.Wait())
	assert.Len(t, fp.requests(), 1, "sessions never retry across polls")
}

func TestSessionStartTwice(t *testing.T) {
	fp := &fakePoller{fn: func(context.Context, livechat.Request, int) (*livechat.Batch, error) {
		return liveBatch("", 0, 0), nil
	}}
	s := NewSession(testStream, fp, SessionOptions{})
	assert.Equal(t, ErrSessionNotStarted, s.Wait())

	events, err := s.Start(context.Background(), Params{})
	require.NoError(t, err)
	_, err = s.Start(context.Background(), Params{})
	assert.Equal(t, ErrSessionStarted, err)
	collect(t, events)
	_, err = s.Start(context.Background(), Params{})
	assert.Equal(t, ErrSessionStarted, err, "sessions cannot be restarted")
}

func TestSessionResumeAndHeaders(t *testing.T) {
	fp := &fakePoller{fn: func(context.Context, livechat.Request, int) (*livechat.Batch, error) {
		return liveBatch("", 0, 0), nil
	}}
	s := NewSession(testStream, fp, SessionOptions{})
	resume := token.NewTimed("saved-cursor", 3000).Resume()

	events, err := s.Start(context.Background(), Params{
		Mode:        livechat.ModeLive,
		TopChatOnly: true,
		Resume:      resume,
		Headers: func() http.Header {
			h := http.Header{}
			h.Set("Authorization", "SAPISIDHASH x")
			return h
		},
	})
	require.NoError(t, err)
	collect(t, events)

	reqs := fp.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "saved-cursor", reqs[0].Token.String())
	assert.True(t, reqs[0].TopChatOnly)
	assert.Equal(t, livechat.ModeLive, reqs[0].Mode)
	assert.Equal(t, "SAPISIDHASH x", reqs[0].Header.Get("Authorization"))
}

func TestSessionRejectsBadResumeToken(t *testing.T) {
	s := NewSession(testStream, &fakePoller{}, SessionOptions{})
	_, err := s.Start(context.Background(), Params{Resume: "%%%"})
	assert.Error(t, err)
	assert.Equal(t, StateIdle, s.State())
}
