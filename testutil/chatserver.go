package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	LivePath   = "/youtubei/v1/live_chat/get_live_chat"
	ReplayPath = "/youtubei/v1/live_chat/get_live_chat_replay"
)

// Page is one canned poll response.
type Page struct {
	Status int
	Body   string
}

// ChatRequest is a poll received by MockChatServer.
type ChatRequest struct {
	Path         string
	Continuation string
	Header       http.Header
}

// MockChatServer serves queued pages per poll path. When a path's queue is empty it
// answers with an empty ended-stream response.
type MockChatServer struct {
	*httptest.Server

	mu       sync.Mutex
	pages    map[string][]Page
	requests []ChatRequest
}

// NewMockChatServer creates a new mock poll endpoint.
func NewMockChatServer(t *testing.T) *MockChatServer {
	t.Helper()
	m := &MockChatServer{pages: make(map[string][]Page)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

func (m *MockChatServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Continuation string `json:"continuation"`
	}
	_ = json.Unmarshal(body, &req)

	m.mu.Lock()
	m.requests = append(m.requests, ChatRequest{Path: r.URL.Path, Continuation: req.Continuation, Header: r.Header.Clone()})
	var page Page
	if q := m.pages[r.URL.Path]; len(q) > 0 {
		page, m.pages[r.URL.Path] = q[0], q[1:]
	} else {
		page = Page{Status: http.StatusOK, Body: `{}`}
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if page.Status == 0 {
		page.Status = http.StatusOK
	}
	w.WriteHeader(page.Status)
	_, _ = w.Write([]byte(page.Body))
}

// Enqueue appends pages served on path.
func (m *MockChatServer) Enqueue(path string, pages ...Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[path] = append(m.pages[path], pages...)
}

// Requests returns a copy of the received polls.
func (m *MockChatServer) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

// Message is a text chat item for LivePage and ReplayPage.
type Message struct {
	ID        string
	Author    string
	ChannelID string
	Text      string
	At        time.Time
	OffsetMs  int64
}

func (msg Message) action() map[string]any {
	return map[string]any{"addChatItemAction": map[string]any{"item": map[string]any{
		"liveChatTextMessageRenderer": map[string]any{
			"id":                      msg.ID,
			"timestampUsec":           strconv.FormatInt(msg.At.UnixMicro(), 10),
			"authorName":              map[string]any{"simpleText": msg.Author},
			"authorExternalChannelId": msg.ChannelID,
			"message":                 map[string]any{"runs": []map[string]any{{"text": msg.Text}}},
		},
	}}}
}

func chatPage(continuations []map[string]any, actions []map[string]any) Page {
	b, _ := json.Marshal(map[string]any{"continuationContents": map[string]any{
		"liveChatContinuation": map[string]any{"continuations": continuations, "actions": actions},
	}})
	return Page{Status: http.StatusOK, Body: string(b)}
}

// LivePage is a live response with a timed continuation; next == "" ends the stream.
func LivePage(next string, timeoutMs int, msgs ...Message) Page {
	var conts []map[string]any
	if next != "" {
		conts = append(conts, map[string]any{"timedContinuationData": map[string]any{"continuation": next, "timeoutMs": timeoutMs}})
	}
	actions := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		actions = append(actions, m.action())
	}
	return chatPage(conts, actions)
}

// ReplayPage is a replay response whose items carry their video offsets.
func ReplayPage(next string, msgs ...Message) Page {
	var conts []map[string]any
	if next != "" {
		conts = append(conts, map[string]any{"liveChatReplayContinuationData": map[string]any{"continuation": next}})
	}
	actions := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		actions = append(actions, map[string]any{"replayChatItemAction": map[string]any{
			"actions":             []map[string]any{m.action()},
			"videoOffsetTimeMsec": strconv.FormatInt(m.OffsetMs, 10),
		}})
	}
	return chatPage(conts, actions)
}

// ErrorPage is a remote error object with the given HTTP code and status name.
func ErrorPage(code int, status, message string) Page {
	b, _ := json.Marshal(map[string]any{"error": map[string]any{"code": code, "message": message, "status": status}})
	return Page{Status: code, Body: string(b)}
}

// ReasonPage is a response without chat content carrying an explanatory text.
func ReasonPage(text string) Page {
	runs := []map[string]any{}
	for _, part := range strings.SplitAfter(text, " ") {
		runs = append(runs, map[string]any{"text": part})
	}
	b, _ := json.Marshal(map[string]any{"contents": map[string]any{"messageRenderer": map[string]any{"text": map[string]any{"runs": runs}}}})
	return Page{Status: http.StatusOK, Body: string(b)}
}
