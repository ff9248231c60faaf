package server

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/livechat"
)

// MetadataResolver fills a missing channel id or unknown mode before subscribing.
type MetadataResolver interface {
	Complete(ctx context.Context, id livechat.Identity, mode livechat.PollMode) (livechat.Identity, livechat.PollMode, error)
}

// Deps are the collaborators of the HTTP API. Only Pool is required.
type Deps struct {
	Pool     *chat.Pool
	DB       *sql.DB
	Redis    *redis.Client
	Resolver MetadataResolver
	// Headers supplies per-request auth headers for sessions started over the API.
	Headers chat.HeaderFunc
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx         context.Context
	deps        Deps
	checkOrigin func(*http.Request) bool
}

// NewHandlers creates a new Handlers instance with the given dependencies. Websocket
// upgrades accept any origin until NewMux applies the CORS policy.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		ctx:         ctx,
		deps:        deps,
		checkOrigin: func(*http.Request) bool { return true },
	}
}
