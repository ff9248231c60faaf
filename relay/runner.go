package relay

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/telemetry"
)

// Source delivers session events; *chat.Pool implements it. A Listen channel closes when
// ctx ends, when the source shuts down, or when the listener falls too far behind.
type Source interface {
	Listen(ctx context.Context, opts ...chat.ListenOption) <-chan chat.Event
	Closing() <-chan struct{}
}

// listenBuffer sizes the relay's subscription; sinks are slower than HTTP clients.
const listenBuffer = 4096

// Runner fans session events out to sinks. A failing sink is logged and counted; it
// never stops delivery to the others or to later events.
type Runner struct {
	source Source
	sinks  []Sink
	filter *Filter
	logger *slog.Logger
}

func NewRunner(source Source, filter *Filter, sinks ...Sink) *Runner {
	return &Runner{
		source: source,
		sinks:  sinks,
		filter: filter,
		logger: slog.Default().With(slog.String("component", "relay")),
	}
}

// Sinks returns the configured sink names.
func (r *Runner) Sinks() []string {
	out := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s.Name())
	}
	return out
}

// Run consumes events until ctx ends or the source closes. If the source disconnects the
// runner for falling behind, the events it missed are lost and it subscribes again. With
// no sinks it returns immediately.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.sinks) == 0 {
		return nil
	}
	for {
		for ev := range r.source.Listen(ctx, chat.ListenBuffer(listenBuffer)) {
			r.dispatch(ctx, r.filter.Apply(ev))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.source.Closing():
			return nil
		default:
		}
		r.logger.Warn("relay fell behind, resubscribing")
	}
}

func (r *Runner) dispatch(ctx context.Context, ev chat.Event) {
	if ev.Kind == chat.EventBatch && (ev.Batch == nil || len(ev.Batch.Events) == 0) {
		return
	}
	var g errgroup.Group
	for _, s := range r.sinks {
		s := s
		g.Go(func() error {
			if err := s.Write(ctx, ev); err != nil {
				telemetry.IncRelayWrite(s.Name(), "error")
				r.logger.Warn("sink write failed",
					slog.String("sink", s.Name()),
					slog.String("stream_id", ev.Identity.StreamID),
					slog.String("channel_id", ev.Identity.ChannelID),
					slog.Any("err", err))
				return nil
			}
			telemetry.IncRelayWrite(s.Name(), "ok")
			return nil
		})
	}
	_ = g.Wait()
}
