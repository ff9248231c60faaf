package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/onnwee/chat-tender/livechat"
	"github.com/onnwee/chat-tender/telemetry"
)

var (
	ErrPoolFull   = errors.New("chat: pool is at its session limit")
	ErrPoolClosed = errors.New("chat: pool closed")
)

// PoolOptions configure a Pool.
type PoolOptions struct {
	// MaxSessions caps concurrently running sessions; 0 means no limit.
	MaxSessions int
	// ListenerBuffer is the capacity of each Listen channel; DefaultListenerBuffer when
	// not positive. A listener whose channel is full is disconnected.
	ListenerBuffer int
	Session        SessionOptions
}

// DefaultListenerBuffer is the listener capacity used when none is configured.
const DefaultListenerBuffer = 256

// Handle is the pool's view of one running session.
type Handle struct {
	session *Session
	params  Params
}

func (h *Handle) Identity() livechat.Identity { return h.session.Identity() }
func (h *Handle) State() State                { return h.session.State() }
func (h *Handle) Mode() livechat.PollMode     { return h.session.Mode() }
func (h *Handle) Checkpoint() string          { return h.session.Checkpoint() }
func (h *Handle) TopChatOnly() bool           { return h.params.TopChatOnly }

// Stop cancels the session; the pool forgets it once its end event is relayed.
func (h *Handle) Stop() { h.session.Stop() }

// Done is closed when the session has finished.
func (h *Handle) Done() <-chan struct{} { return h.session.Done() }

// Wait blocks until the session finishes and returns its result (see Session.Wait).
func (h *Handle) Wait() error { return h.session.Wait() }

type listener struct {
	ctx     context.Context
	ch      chan Event
	gone    chan struct{}
	buffer  int
	streams map[string]struct{}
	mu      sync.Mutex
	closed  bool
}

// ListenOption configures one listener.
type ListenOption func(*listener)

// ListenStreams restricts a listener to events of the given stream ids.
func ListenStreams(streamIDs ...string) ListenOption {
	return func(l *listener) {
		if len(streamIDs) == 0 {
			return
		}
		l.streams = make(map[string]struct{}, len(streamIDs))
		for _, id := range streamIDs {
			l.streams[id] = struct{}{}
		}
	}
}

// ListenBuffer overrides PoolOptions.ListenerBuffer for one listener.
func ListenBuffer(n int) ListenOption {
	return func(l *listener) {
		if n > 0 {
			l.buffer = n
		}
	}
}

func (l *listener) wants(ev Event) bool {
	if l.streams == nil {
		return true
	}
	_, ok := l.streams[ev.Identity.StreamID]
	return ok
}

// offer queues ev without blocking. It reports false when the listener's channel is
// full.
func (l *listener) offer(ev Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.wants(ev) {
		return true
	}
	select {
	case l.ch <- ev:
		return true
	default:
		return false
	}
}

func (l *listener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
		close(l.gone)
	}
}

// Pool runs at most one Session per identity and fans their events out to
// listeners.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	poller Poller
	opts   PoolOptions
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[livechat.Identity]*Handle
	listeners map[*listener]struct{}
	closed    bool

	relays   sync.WaitGroup
	closing  chan struct{}
	shutdown chan struct{}
}

// NewPool returns an empty pool. Sessions run under ctx; cancelling it stops them all.
func NewPool(ctx context.Context, poller Poller, opts PoolOptions) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		ctx:       ctx,
		cancel:    cancel,
		poller:    poller,
		opts:      opts,
		logger:    slog.Default().With(slog.String("component", "chat_pool")),
		sessions:  make(map[livechat.Identity]*Handle),
		listeners: make(map[*listener]struct{}),
		closing:   make(chan struct{}),
		shutdown:  make(chan struct{}),
	}
}

// Subscribe starts a session for id, or returns the running one. Concurrent calls for
// the same identity yield the same handle.
func (p *Pool) Subscribe(id livechat.Identity, params Params) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if h, ok := p.sessions[id]; ok && !h.State().Terminal() {
		return h, nil
	}
	if p.opts.MaxSessions > 0 && len(p.sessions) >= p.opts.MaxSessions {
		return nil, ErrPoolFull
	}

	s := NewSession(id, p.poller, p.opts.Session)
	events, err := s.Start(p.ctx, params)
	if err != nil {
		return nil, err
	}
	h := &Handle{session: s, params: params}
	p.sessions[id] = h
	telemetry.SetActiveSessions(len(p.sessions))
	p.logger.Info("subscribed", slog.String("stream_id", id.StreamID), slog.String("channel_id", id.ChannelID), slog.Int("sessions", len(p.sessions)))

	p.relays.Add(1)
	go p.relay(h, events)
	return h, nil
}

// Unsubscribe stops the session for id. It reports whether one was registered. The
// identity stays registered until the session's end event has been relayed.
func (p *Pool) Unsubscribe(id livechat.Identity) bool {
	p.mu.Lock()
	h, ok := p.sessions[id]
	p.mu.Unlock()
	if ok {
		h.Stop()
	}
	return ok
}

// Has reports whether id has a registered session.
func (p *Pool) Has(id livechat.Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[id]
	return ok
}

// Get returns the handle for id.
func (p *Pool) Get(id livechat.Identity) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.sessions[id]
	return h, ok
}

// Lookup returns the session polling streamID under any channel.
func (p *Pool) Lookup(streamID string) (*Handle, bool) {
	for _, h := range p.Handles() {
		if h.Identity().StreamID == streamID {
			return h, true
		}
	}
	return nil, false
}

// Len is the number of registered sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Handles returns a snapshot of registered sessions ordered by identity.
func (p *Pool) Handles() []*Handle {
	p.mu.Lock()
	out := make([]*Handle, 0, len(p.sessions))
	for _, h := range p.sessions {
		out = append(out, h)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity().String() < out[j].Identity().String() })
	return out
}

// Range calls fn for each registered session until fn returns false.
func (p *Pool) Range(fn func(*Handle) bool) {
	for _, h := range p.Handles() {
		if !fn(h) {
			return
		}
	}
}

// Listen returns a channel receiving events of every session (or of the streams named
// with ListenStreams) from now on. Delivery never blocks a session: a listener that lets
// its channel fill up is disconnected and its channel closed. The channel is also closed
// when ctx ends or the pool is closed.
func (p *Pool) Listen(ctx context.Context, opts ...ListenOption) <-chan Event {
	l := &listener{ctx: ctx, buffer: p.opts.ListenerBuffer}
	if l.buffer <= 0 {
		l.buffer = DefaultListenerBuffer
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ch = make(chan Event, l.buffer)
	l.gone = make(chan struct{})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		l.close()
		return l.ch
	}
	p.listeners[l] = struct{}{}
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-p.shutdown:
		case <-l.gone:
			return
		}
		p.mu.Lock()
		delete(p.listeners, l)
		p.mu.Unlock()
		l.close()
	}()
	return l.ch
}

// Closing is closed as soon as Close is called.
func (p *Pool) Closing() <-chan struct{} { return p.closing }

// Close stops every session, waits for their final events to be relayed and closes all
// listener channels.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.cancel()
	p.relays.Wait()
	close(p.shutdown)
	p.logger.Info("pool closed")
}

func (p *Pool) relay(h *Handle, events <-chan Event) {
	defer p.relays.Done()
	id := h.Identity()
	for ev := range events {
		if ev.Terminal() {
			p.mu.Lock()
			if p.sessions[id] == h {
				delete(p.sessions, id)
			}
			telemetry.SetActiveSessions(len(p.sessions))
			p.mu.Unlock()
		}
		p.broadcast(ev)
	}
}

func (p *Pool) broadcast(ev Event) {
	p.mu.Lock()
	ls := make([]*listener, 0, len(p.listeners))
	for l := range p.listeners {
		ls = append(ls, l)
	}
	p.mu.Unlock()
	for _, l := range ls {
		if !l.offer(ev) {
			p.drop(l)
		}
	}
}

// drop disconnects a listener that cannot keep up.
func (p *Pool) drop(l *listener) {
	p.mu.Lock()
	_, ok := p.listeners[l]
	delete(p.listeners, l)
	p.mu.Unlock()
	if !ok {
		return
	}
	l.close()
	telemetry.IncListenerDropped()
	p.logger.Warn("listener too slow, disconnecting", slog.Int("buffer", l.buffer))
}
