package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/db"
)

// Sink receives session events after filtering. Write must be safe for concurrent use
// across streams.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev chat.Event) error
}

// PostgresSink stores batch events in chat_events. Lifecycle events are ignored.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(dbx *sql.DB) *PostgresSink { return &PostgresSink{db: dbx} }

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, ev chat.Event) error {
	if ev.Kind != chat.EventBatch || ev.Batch == nil || len(ev.Batch.Events) == 0 {
		return nil
	}
	_, err := db.InsertChatEvents(ctx, s.db, ev.Identity, ev.Batch.Mode, ev.Batch.Events)
	return err
}

// RedisSink publishes envelopes as JSON on "<prefix>:<stream_id>".
type RedisSink struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithChannelPrefix overrides the default "chat" channel prefix.
func WithChannelPrefix(prefix string) RedisOption {
	return func(s *RedisSink) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedisSink(client *redis.Client, opts ...RedisOption) *RedisSink {
	s := &RedisSink{client: client, prefix: "chat"}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisSink) Name() string { return "redis" }

// Channel returns the pub/sub channel for a stream.
func (s *RedisSink) Channel(streamID string) string { return s.prefix + ":" + streamID }

func (s *RedisSink) Write(ctx context.Context, ev chat.Event) error {
	envs := Envelopes(ev)
	if len(envs) == 0 {
		return nil
	}
	channel := s.Channel(ev.Identity.StreamID)
	pipe := s.client.Pipeline()
	for _, e := range envs {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		pipe.Publish(ctx, channel, b)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}
