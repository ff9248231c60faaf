package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/onnwee/chat-tender/livechat"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/token"
)

var (
	ErrSessionStarted    = errors.New("chat: session already started")
	ErrSessionNotStarted = errors.New("chat: session not started")
)

// Poller performs one poll. *livechat.Client implements it.
type Poller interface {
	Poll(ctx context.Context, req livechat.Request) (*livechat.Batch, error)
}

// State is the lifecycle of a Session.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further events will be produced.
func (s State) Terminal() bool { return s == StateStopped || s == StateErrored }

// EventKind discriminates Event.
type EventKind int

const (
	EventBatch EventKind = iota + 1
	EventEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventBatch:
		return "batch"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// EndReason explains an EventEnd.
type EndReason string

const (
	ReasonEnded     EndReason = "ended"
	ReasonCancelled EndReason = "cancelled"
)

// Event is emitted by a Session. Batch is set for EventBatch, Reason for EventEnd and
// Err for EventError. Identity is always set.
type Event struct {
	Kind     EventKind
	Identity livechat.Identity
	Batch    *livechat.Batch
	Reason   EndReason
	Err      error
}

// Terminal reports whether ev is the last event of its session.
func (ev Event) Terminal() bool { return ev.Kind == EventEnd || ev.Kind == EventError }

// HeaderFunc returns the headers for one request. It is called before every poll so
// time-based signatures stay fresh.
type HeaderFunc func() http.Header

// Params configure one run of a Session.
type Params struct {
	Mode        livechat.PollMode
	TopChatOnly bool
	// Resume is a token from Checkpoint; polling continues from it instead of the
	// first page.
	Resume  string
	Headers HeaderFunc
}

// SessionOptions are fixed at construction.
type SessionOptions struct {
	Clock clock.Clock
	// Buffer is the capacity of the event channel.
	Buffer int
}

// Session polls one stream. A Session runs at most once.
type Session struct {
	id     livechat.Identity
	poller Poller
	clock  clock.Clock
	buffer int

	mu     sync.Mutex
	state  State
	mode   livechat.PollMode
	next   *token.ContinuationToken
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession returns an idle session for id.
func NewSession(id livechat.Identity, poller Poller, opts SessionOptions) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	return &Session{
		id:     id,
		poller: poller,
		clock:  opts.Clock,
		buffer: opts.Buffer,
		done:   make(chan struct{}),
	}
}

// NextWait is the pause before the next live poll: the server-suggested timeout less
// the time already spent on the previous poll, never negative.
func NextWait(timeout, elapsed time.Duration) time.Duration {
	if d := timeout - elapsed; d > 0 {
		return d
	}
	return 0
}

func (s *Session) Identity() livechat.Identity { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode is the poll mode the session has resolved to so far.
func (s *Session) Mode() livechat.PollMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Checkpoint returns a resume token for the next page, or "" before the first batch
// and after the stream ended.
func (s *Session) Checkpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil {
		return ""
	}
	return s.next.Resume()
}

// Done is closed once the event channel has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start begins polling and returns the event channel. The caller must drain the
// channel until it is closed.
func (s *Session) Start(ctx context.Context, p Params) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return nil, ErrSessionStarted
	}
	if p.Resume != "" {
		tok, err := token.ParseResume(p.Resume)
		if err != nil {
			return nil, fmt.Errorf("resume token: %w", err)
		}
		s.next = tok
	}

	corr := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, corr)
	ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateRunning
	s.mode = p.Mode

	events := make(chan Event, s.buffer)
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "chat_session"),
		slog.String("stream_id", s.id.StreamID),
		slog.String("channel_id", s.id.ChannelID),
	)
	go s.run(ctx, p, events, logger)
	return events, nil
}

// Stop cancels the session. An in-flight poll or wait is interrupted and the session
// ends with ReasonCancelled. Stop on an idle or finished session does nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = StateStopping
	s.cancel()
}

// Wait blocks until the session is done. It returns nil after a normal end,
// livechat.ErrAborted after Stop or parent cancellation, and the poll error otherwise.
func (s *Session) Wait() error {
	if s.State() == StateIdle {
		return ErrSessionNotStarted
	}
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) run(ctx context.Context, p Params, events chan<- Event, logger *slog.Logger) {
	defer close(s.done)
	defer close(events)
	defer s.cancel()

	logger.Info("chat session started", slog.String("mode", p.Mode.String()), slog.Bool("resumed", p.Resume != ""))
	for {
		if ctx.Err() != nil {
			s.finishCancelled(events, logger)
			return
		}

		start := s.clock.Now()
		req := livechat.Request{
			Identity:    s.id,
			Mode:        s.Mode(),
			Token:       s.nextToken(),
			TopChatOnly: p.TopChatOnly,
		}
		if p.Headers != nil {
			req.Header = p.Headers()
		}
		batch, err := s.poller.Poll(ctx, req)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, livechat.ErrAborted) {
				s.finishCancelled(events, logger)
				return
			}
			s.fail(err, events, logger)
			return
		}

		s.mu.Lock()
		if batch.Mode != livechat.ModeUnknown {
			s.mode = batch.Mode
		}
		if batch.Next != nil {
			s.next = batch.Next
		}
		s.mu.Unlock()
		if batch.FellBack {
			logger.Info("chat session switched to replay")
		}

		select {
		case events <- Event{Kind: EventBatch, Identity: s.id, Batch: batch}:
		case <-ctx.Done():
			s.finishCancelled(events, logger)
			return
		}

		if batch.Next == nil {
			s.finishEnded(events, logger)
			return
		}
		if batch.Mode == livechat.ModeReplay || !batch.Next.Timed() {
			continue
		}

		wait := NextWait(time.Duration(batch.Next.TimeoutMs)*time.Millisecond, s.clock.Now().Sub(start))
		telemetry.ObserveWait(wait)
		if wait == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			s.finishCancelled(events, logger)
			return
		case <-s.clock.After(wait):
		}
	}
}

func (s *Session) nextToken() *token.ContinuationToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Session) finishEnded(events chan<- Event, logger *slog.Logger) {
	s.mu.Lock()
	s.state = StateStopping
	s.next = nil
	s.mu.Unlock()
	events <- Event{Kind: EventEnd, Identity: s.id, Reason: ReasonEnded}
	s.setState(StateStopped, nil)
	telemetry.IncSessionEnded(string(ReasonEnded))
	logger.Info("chat stream ended")
}

func (s *Session) finishCancelled(events chan<- Event, logger *slog.Logger) {
	s.mu.Lock()
	s.state = StateStopping
	s.mu.Unlock()
	events <- Event{Kind: EventEnd, Identity: s.id, Reason: ReasonCancelled}
	s.setState(StateStopped, livechat.ErrAborted)
	telemetry.IncSessionEnded(string(ReasonCancelled))
	logger.Info("chat session cancelled")
}

func (s *Session) fail(err error, events chan<- Event, logger *slog.Logger) {
	s.setState(StateErrored, err)
	events <- Event{Kind: EventError, Identity: s.id, Err: err}
	telemetry.IncSessionEnded("error")
	logger.Error("chat session failed", slog.String("kind", livechat.KindOf(err).String()), slog.Any("err", err))
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.err = err
}
