package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/relay"
	"github.com/onnwee/chat-tender/telemetry"
)

const (
	sseKeepAlive = 15 * time.Second
	sseWriteWait = 10 * time.Second
	wsWriteWait  = 10 * time.Second
)

// handleStreamEvents streams envelopes of one stream id as Server-Sent Events until the
// client disconnects or the stream's session ends. ?filter= takes a CEL expression.
func (h *Handlers) handleStreamEvents(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filter, err := relay.NewFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter: "+err.Error())
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// Long-lived response: no read deadline, and each write gets its own so a client that
	// stops reading is cut off instead of holding the handler.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	send := func(write func() error) error {
		_ = rc.SetWriteDeadline(time.Now().Add(sseWriteWait))
		if err := write(); err != nil {
			return err
		}
		return rc.Flush()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := h.deps.Pool.Listen(ctx, chat.ListenStreams(streamID))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	err = send(func() error {
		w.WriteHeader(http.StatusOK)
		_, err := fmt.Fprint(w, ": connected\n\n")
		return err
	})
	if err != nil {
		return
	}

	telemetry.AddSSEClients(1)
	defer telemetry.AddSSEClients(-1)
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "sse"), slog.String("stream_id", streamID))
	logger.Debug("sse client connected")

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := send(func() error {
				_, err := fmt.Fprint(w, ": ping\n\n")
				return err
			})
			if err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			err := send(func() error {
				for _, env := range relay.Envelopes(filter.Apply(ev)) {
					if err := writeSSE(w, env); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				logger.Warn("sse write failed", slog.Any("err", err))
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, env relay.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if env.Event != nil && env.Event.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", env.Event.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Kind, b)
	return err
}

// HandleWS streams envelopes of every stream, or of ?stream=<id>, over a websocket. The
// first frame is {"kind":"ready"} once the listener is registered.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	filter, err := relay.NewFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter: "+err.Error())
		return
	}
	streamID := r.URL.Query().Get("stream")

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade error", slog.Any("err", err), slog.String("component", "ws"))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-h.ctx.Done():
			cancel()
		}
	}()

	var opts []chat.ListenOption
	if streamID != "" {
		opts = append(opts, chat.ListenStreams(streamID))
	}
	events := h.deps.Pool.Listen(ctx, opts...)
	telemetry.AddSSEClients(1)
	defer telemetry.AddSSEClients(-1)

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	if err := write(relay.Envelope{Kind: "ready", StreamID: streamID}); err != nil {
		return
	}
	for ev := range events {
		for _, env := range relay.Envelopes(filter.Apply(ev)) {
			if err := write(env); err != nil {
				return
			}
		}
		if streamID != "" && ev.Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ev.Kind.String()),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
