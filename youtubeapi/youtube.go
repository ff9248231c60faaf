// Package youtubeapi resolves stream metadata (owning channel, live or replay) through the
// YouTube Data API so sessions can start with a known identity and poll mode.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/livechat"
)

const readonlyScope = "https://www.googleapis.com/auth/youtube.readonly"

var (
	// ErrNotConfigured means neither an API key nor OAuth refresh credentials are set.
	ErrNotConfigured = errors.New("youtubeapi: no API key or OAuth credentials configured")
	// ErrVideoNotFound wraps livechat.ErrNotFound so callers can treat both alike.
	ErrVideoNotFound = fmt.Errorf("youtubeapi: video not found: %w", livechat.ErrNotFound)
)

// Metadata describes one video or broadcast.
type Metadata struct {
	VideoID      string            `json:"video_id"`
	ChannelID    string            `json:"channel_id"`
	Title        string            `json:"title"`
	Broadcast    string            `json:"broadcast"`
	Mode         livechat.PollMode `json:"mode"`
	ActiveChatID string            `json:"active_chat_id,omitempty"`
	ActualStart  time.Time         `json:"actual_start,omitempty"`
	ActualEnd    time.Time         `json:"actual_end,omitempty"`
}

// Resolver looks up video metadata.
type Resolver struct {
	svc *yt.Service
}

// New builds a Resolver from cfg. An API key wins over OAuth; OAuth uses the stored refresh
// token with the readonly scope. Extra options are appended (endpoint overrides in tests).
func New(ctx context.Context, cfg *config.Config, extra ...option.ClientOption) (*Resolver, error) {
	var opts []option.ClientOption
	switch {
	case cfg.YTAPIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.YTAPIKey))
	case cfg.YTClientID != "" && cfg.YTClientSecret != "" && cfg.YTRefreshToken != "":
		oc := &oauth2.Config{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{readonlyScope},
		}
		ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.YTRefreshToken})
		opts = append(opts, option.WithTokenSource(ts))
	default:
		return nil, ErrNotConfigured
	}
	opts = append(opts, extra...)
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Resolver{svc: svc}, nil
}

// Resolve fetches snippet and live streaming details for videoID.
func (r *Resolver) Resolve(ctx context.Context, videoID string) (Metadata, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return Metadata{}, fmt.Errorf("youtubeapi: empty video id: %w", livechat.ErrInvalidArgument)
	}
	res, err := r.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return Metadata{}, fmt.Errorf("videos.list %s: %w", videoID, err)
	}
	if len(res.Items) == 0 || res.Items[0].Snippet == nil {
		return Metadata{}, fmt.Errorf("%w: %s", ErrVideoNotFound, videoID)
	}
	v := res.Items[0]
	md := Metadata{
		VideoID:   v.Id,
		ChannelID: v.Snippet.ChannelId,
		Title:     v.Snippet.Title,
		Broadcast: v.Snippet.LiveBroadcastContent,
	}
	if d := v.LiveStreamingDetails; d != nil {
		md.ActiveChatID = d.ActiveLiveChatId
		md.ActualStart = parseTime(d.ActualStartTime)
		md.ActualEnd = parseTime(d.ActualEndTime)
	}
	md.Mode = modeFor(md.Broadcast, v.LiveStreamingDetails)
	return md, nil
}

// Complete fills a missing channel id and an unknown mode. It calls the API only when
// something is missing.
func (r *Resolver) Complete(ctx context.Context, id livechat.Identity, mode livechat.PollMode) (livechat.Identity, livechat.PollMode, error) {
	if id.ChannelID != "" && mode != livechat.ModeUnknown {
		return id, mode, nil
	}
	md, err := r.Resolve(ctx, id.StreamID)
	if err != nil {
		return id, mode, err
	}
	if id.ChannelID == "" {
		id.ChannelID = md.ChannelID
	}
	if mode == livechat.ModeUnknown {
		mode = md.Mode
	}
	return id, mode, nil
}

// modeFor maps broadcast state to a poll mode. Uploads without live details have no live
// chat, so they are polled as replays and the fetch reports chat as disabled.
func modeFor(broadcast string, d *yt.VideoLiveStreamingDetails) livechat.PollMode {
	switch broadcast {
	case "live", "upcoming":
		return livechat.ModeLive
	}
	if d == nil || d.ActualEndTime != "" {
		return livechat.ModeReplay
	}
	return livechat.ModeUnknown
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
