package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/livechat"
	"github.com/onnwee/chat-tender/relay"
	"github.com/onnwee/chat-tender/token"
)

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "chattail",
		Short:        "Tail stream chats and inspect continuation tokens",
		SilenceUsage: true,
	}
	root.AddCommand(newTailCommand(), newTokenCommand())
	return root
}

// parseIdentity accepts "VIDEO" or "CHANNEL/VIDEO".
func parseIdentity(arg string) (livechat.Identity, error) {
	arg = strings.TrimSpace(arg)
	channel, video, ok := strings.Cut(arg, "/")
	if !ok {
		channel, video = "", arg
	}
	if video == "" {
		return livechat.Identity{}, fmt.Errorf("invalid stream %q: %w", arg, livechat.ErrInvalidArgument)
	}
	return livechat.Identity{StreamID: video, ChannelID: channel}, nil
}

func newTailCommand() *cobra.Command {
	tailCmd := &cobra.Command{
		Use:   "tail STREAM...",
		Short: "Poll stream chats until they end and print one JSON envelope per line",
		Long: "Each STREAM is a video id or CHANNEL/VIDEO. Without a known mode the live\n" +
			"endpoint is tried first and finished streams fall back to the replay.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("base-url")
			modeFlag, _ := cmd.Flags().GetString("mode")
			topChat, _ := cmd.Flags().GetBool("top-chat")
			expr, _ := cmd.Flags().GetString("filter")
			resume, _ := cmd.Flags().GetString("resume")
			limit, _ := cmd.Flags().GetInt("limit")
			retries, _ := cmd.Flags().GetInt("max-retries")
			backoff, _ := cmd.Flags().GetDuration("retry-backoff")
			verbose, _ := cmd.Flags().GetBool("verbose")

			mode, err := livechat.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			if resume != "" && len(args) != 1 {
				return fmt.Errorf("--resume needs exactly one stream")
			}
			filter, err := relay.NewFilter(expr)
			if err != nil {
				return err
			}
			ids := make([]livechat.Identity, 0, len(args))
			for _, a := range args {
				id, err := parseIdentity(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

			client := livechat.NewClient(livechat.Config{BaseURL: baseURL, MaxRetries: retries, RetryBackoff: backoff})
			return tail(cmd.Context(), cmd, client, ids, chat.Params{Mode: mode, TopChatOnly: topChat, Resume: resume}, filter, limit)
		},
	}
	tailCmd.Flags().String("base-url", envOr("CHAT_BASE_URL", livechat.DefaultBaseURL), "Chat endpoint base URL")
	tailCmd.Flags().String("mode", "", "Poll mode: live|replay (default: detect)")
	tailCmd.Flags().Bool("top-chat", false, "Request the top chat view instead of all messages")
	tailCmd.Flags().String("filter", "", "CEL filter applied to every chat event")
	tailCmd.Flags().String("resume", "", "Resume token from a previous checkpoint (single stream only)")
	tailCmd.Flags().Int("limit", 0, "Stop after N messages (0 = until the streams end)")
	tailCmd.Flags().Int("max-retries", livechat.DefaultMaxRetries, "Retries per poll for transient failures")
	tailCmd.Flags().Duration("retry-backoff", livechat.DefaultRetryBackoff, "Delay between retries")
	tailCmd.Flags().BoolP("verbose", "v", false, "Log poll activity to stderr")
	return tailCmd
}

func tail(ctx context.Context, cmd *cobra.Command, poller chat.Poller, ids []livechat.Identity, params chat.Params, filter *relay.Filter, limit int) error {
	ctx, cancel := context.WithCancel(ctx)
	pool := chat.NewPool(ctx, poller, chat.PoolOptions{ListenerBuffer: 1024})
	defer func() {
		// Cancel first so sessions stop without a reader on the listener.
		cancel()
		pool.Close()
	}()

	streams := make([]string, 0, len(ids))
	for _, id := range ids {
		streams = append(streams, id.StreamID)
	}
	events := pool.Listen(ctx, chat.ListenStreams(streams...))
	pending := make(map[livechat.Identity]struct{}, len(ids))
	for _, id := range ids {
		if _, err := pool.Subscribe(id, params); err != nil {
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
		pending[id] = struct{}{}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	var (
		printed int
		failed  error
	)
	for ev := range events {
		ev = filter.Apply(ev)
		for _, env := range relay.Envelopes(ev) {
			if err := enc.Encode(env); err != nil {
				return err
			}
			if env.Kind == relay.KindMessage {
				printed++
			}
		}
		if limit > 0 && printed >= limit {
			return nil
		}
		if ev.Terminal() {
			if ev.Kind == chat.EventError && failed == nil {
				failed = fmt.Errorf("%s: %w", ev.Identity, ev.Err)
			}
			delete(pending, ev.Identity)
			if len(pending) == 0 {
				return failed
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("output fell behind the chat streams")
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{Use: "token", Short: "Continuation token helpers"}

	inspectCmd := &cobra.Command{
		Use:   "inspect TOKEN",
		Short: "Decode a resume token or an initial continuation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if t, err := token.ParseResume(args[0]); err == nil {
				return enc.Encode(map[string]any{
					"type":       "resume",
					"kind":       t.Kind.String(),
					"cursor":     string(t.Cursor),
					"timeout_ms": t.TimeoutMs,
				})
			}
			p, err := token.ParseInitial(args[0])
			if err != nil {
				return fmt.Errorf("not a resume token or initial continuation: %w", err)
			}
			return enc.Encode(map[string]any{
				"type":          "initial",
				"channel_id":    p.ChannelID,
				"video_id":      p.VideoID,
				"top_chat_only": p.TopChatOnly,
				"replay":        p.Replay,
			})
		},
	}

	initialCmd := &cobra.Command{
		Use:   "initial VIDEO",
		Short: "Print the first continuation for a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			topChat, _ := cmd.Flags().GetBool("top-chat")
			replay, _ := cmd.Flags().GetBool("replay")
			_, err := fmt.Fprintln(cmd.OutOrStdout(), token.InitialContinuation(token.InitialParams{
				ChannelID:   channel,
				VideoID:     args[0],
				TopChatOnly: topChat,
				Replay:      replay,
			}))
			return err
		},
	}
	initialCmd.Flags().String("channel", "", "Owning channel id")
	initialCmd.Flags().Bool("top-chat", false, "Top chat view")
	initialCmd.Flags().Bool("replay", false, "Replay endpoint variant")

	tokenCmd.AddCommand(inspectCmd, initialCmd)
	return tokenCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
