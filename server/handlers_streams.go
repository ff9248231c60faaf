package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/db"
	"github.com/onnwee/chat-tender/livechat"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/token"
)

const maxBodyBytes = 64 << 10

// streamView is the JSON shape of one registered session.
type streamView struct {
	StreamID    string            `json:"stream_id"`
	ChannelID   string            `json:"channel_id"`
	Mode        livechat.PollMode `json:"mode"`
	State       string            `json:"state"`
	TopChatOnly bool              `json:"top_chat_only"`
	Checkpoint  string            `json:"checkpoint,omitempty"`
}

func viewOf(h *chat.Handle) streamView {
	id := h.Identity()
	return streamView{
		StreamID:    id.StreamID,
		ChannelID:   id.ChannelID,
		Mode:        h.Mode(),
		State:       h.State().String(),
		TopChatOnly: h.TopChatOnly(),
		Checkpoint:  h.Checkpoint(),
	}
}

// subscribeMu keeps the stream lookup and the subscribe in SubscribeSpec atomic.
var subscribeMu sync.Mutex

// SubscribeSpec validates spec, completes missing metadata through the resolver when one is
// configured, and subscribes the stream. A stream id that already has a session resolves to
// that session whatever channel the request names. It reports whether the session already
// existed.
func SubscribeSpec(ctx context.Context, d Deps, spec config.StreamSpec) (*chat.Handle, bool, error) {
	spec.StreamID = strings.TrimSpace(spec.StreamID)
	if spec.StreamID == "" {
		return nil, false, &livechat.Error{Kind: livechat.KindInvalidArgument, Message: "stream_id is required"}
	}
	mode, err := livechat.ParseMode(spec.Mode)
	if err != nil {
		return nil, false, &livechat.Error{Kind: livechat.KindInvalidArgument, Message: err.Error()}
	}
	if spec.Resume != "" {
		if _, err := token.ParseResume(spec.Resume); err != nil {
			return nil, false, &livechat.Error{Kind: livechat.KindInvalidArgument, Message: "bad resume token", Err: err}
		}
	}
	id := livechat.Identity{StreamID: spec.StreamID, ChannelID: strings.TrimSpace(spec.ChannelID)}
	if d.Resolver != nil && (id.ChannelID == "" || mode == livechat.ModeUnknown) {
		id, mode, err = d.Resolver.Complete(ctx, id, mode)
		if err != nil {
			return nil, false, err
		}
	}
	subscribeMu.Lock()
	defer subscribeMu.Unlock()
	if running, ok := d.Pool.Lookup(id.StreamID); ok {
		id = running.Identity()
	}
	existed := d.Pool.Has(id)
	h, err := d.Pool.Subscribe(id, chat.Params{
		Mode:        mode,
		TopChatOnly: spec.TopChatOnly,
		Resume:      spec.Resume,
		Headers:     d.Headers,
	})
	if err != nil {
		return nil, false, err
	}
	return h, existed, nil
}

// statusFor maps subscribe errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, livechat.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, livechat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrPoolFull):
		return http.StatusTooManyRequests
	case errors.Is(err, chat.ErrPoolClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// HandleStreams lists sessions (GET) or subscribes one (POST).
func (h *Handlers) HandleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		out := []streamView{}
		h.deps.Pool.Range(func(hd *chat.Handle) bool {
			out = append(out, viewOf(hd))
			return true
		})
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var spec config.StreamSpec
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&spec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		hd, existed, err := SubscribeSpec(r.Context(), h.deps, spec)
		if err != nil {
			telemetry.LoggerWithCorr(r.Context()).Warn("subscribe failed", slog.String("stream_id", spec.StreamID), slog.Any("err", err), slog.String("component", "http"))
			writeError(w, statusFor(err), err.Error())
			return
		}
		status := http.StatusCreated
		if existed {
			status = http.StatusOK
		}
		writeJSON(w, status, viewOf(hd))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStreamsDispatcher routes /streams/{id}[/events|/messages].
func (h *Handlers) HandleStreamsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/streams/")
	parts := strings.SplitN(rest, "/", 2)
	streamID, err := url.PathUnescape(parts[0])
	if err != nil || streamID == "" {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}
	switch {
	case len(parts) == 1:
		h.handleStream(w, r, streamID)
	case parts[1] == "events":
		h.handleStreamEvents(w, r, streamID)
	case parts[1] == "messages":
		h.handleStreamMessages(w, r, streamID)
	default:
		http.NotFound(w, r)
	}
}

// handleStream returns (GET) or stops (DELETE) every session of a stream id.
func (h *Handlers) handleStream(w http.ResponseWriter, r *http.Request, streamID string) {
	var matched []*chat.Handle
	h.deps.Pool.Range(func(hd *chat.Handle) bool {
		if hd.Identity().StreamID == streamID {
			matched = append(matched, hd)
		}
		return true
	})
	if len(matched) == 0 {
		writeError(w, http.StatusNotFound, "stream not subscribed")
		return
	}
	switch r.Method {
	case http.MethodGet:
		out := make([]streamView, 0, len(matched))
		for _, hd := range matched {
			out = append(out, viewOf(hd))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodDelete:
		for _, hd := range matched {
			h.deps.Pool.Unsubscribe(hd.Identity())
		}
		telemetry.LoggerWithCorr(r.Context()).Info("unsubscribed", slog.String("stream_id", streamID), slog.Int("sessions", len(matched)), slog.String("component", "http"))
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStreamMessages pages stored events: ?after=<row id>&limit=<n>.
func (h *Handlers) handleStreamMessages(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}
	after := int64(parseIntQuery(r, "after", 0))
	limit := parseIntQuery(r, "limit", 100)
	events, last, err := db.ListChatEvents(r.Context(), h.deps.DB, streamID, after, limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list chat events", slog.Any("err", err), slog.String("stream_id", streamID), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next_after": last})
}
