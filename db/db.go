// Package db provides database connection helpers, schema migration, and the chat event store
// used by the Postgres relay sink.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chat-tender/livechat"
)

var ErrNoDSN = errors.New("db: DB_DSN not set")

// Connect opens a Postgres pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, ErrNoDSN
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	dbx.SetMaxOpenConns(10)
	dbx.SetMaxIdleConns(5)
	dbx.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return dbx, nil
}

// Migrate applies the versioned schema.
func Migrate(dbx *sql.DB) error { return RunMigrations(dbx) }

// StoredEvent is a chat event row.
type StoredEvent struct {
	livechat.Event
	StreamID  string    `json:"stream_id"`
	ChannelID string    `json:"channel_id"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertChatEvents stores events of one batch in a single transaction. Events already stored
// for the stream (same event id) are skipped; the number of new rows is returned.
func InsertChatEvents(ctx context.Context, dbx *sql.DB, id livechat.Identity, mode livechat.PollMode, events []livechat.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chat_events
		(stream_id, channel_id, event_id, event_type, mode, author_name, author_channel_id, message, amount, event_time, video_offset_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (stream_id, event_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, ev := range events {
		var ts sql.NullTime
		if !ev.Timestamp.IsZero() {
			ts = sql.NullTime{Time: ev.Timestamp, Valid: true}
		}
		var offset sql.NullInt64
		if mode == livechat.ModeReplay {
			offset = sql.NullInt64{Int64: ev.VideoOffsetMs, Valid: true}
		}
		res, err := stmt.ExecContext(ctx, id.StreamID, id.ChannelID, ev.ID, ev.Type, mode.String(),
			ev.AuthorName, ev.AuthorChannelID, ev.Message, ev.Amount, ts, offset)
		if err != nil {
			return inserted, fmt.Errorf("insert chat event %s: %w", ev.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// ListChatEvents returns up to limit events of a stream after the given row id, oldest first.
func ListChatEvents(ctx context.Context, dbx *sql.DB, streamID string, afterID int64, limit int) ([]StoredEvent, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := dbx.QueryContext(ctx, `SELECT id, stream_id, channel_id, event_id, event_type, mode,
		COALESCE(author_name,''), COALESCE(author_channel_id,''), COALESCE(message,''), COALESCE(amount,''),
		event_time, COALESCE(video_offset_ms,0), created_at
		FROM chat_events WHERE stream_id=$1 AND id>$2 ORDER BY id ASC LIMIT $3`, streamID, afterID, limit)
	if err != nil {
		return nil, afterID, fmt.Errorf("query chat events: %w", err)
	}
	defer rows.Close()

	out := []StoredEvent{}
	last := afterID
	for rows.Next() {
		var (
			rowID int64
			se    StoredEvent
			ts    sql.NullTime
		)
		if err := rows.Scan(&rowID, &se.StreamID, &se.ChannelID, &se.ID, &se.Type, &se.Mode,
			&se.AuthorName, &se.AuthorChannelID, &se.Message, &se.Amount, &ts, &se.VideoOffsetMs, &se.CreatedAt); err != nil {
			return nil, afterID, fmt.Errorf("scan chat event: %w", err)
		}
		if ts.Valid {
			se.Timestamp = ts.Time.UTC()
		}
		out = append(out, se)
		last = rowID
	}
	if err := rows.Err(); err != nil {
		return nil, afterID, err
	}
	return out, last, nil
}
