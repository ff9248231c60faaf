// Command chat-tender polls live and replayed stream chats and relays their events.
// It:
//   - Loads configuration and initializes structured logging.
//   - Builds the poll client (shared rate limit, retries, optional signed credentials).
//   - Optionally connects Postgres (event store, migrations) and Redis (pub/sub relay).
//   - Subscribes the streams listed in STREAMS_FILE.
//   - Exposes the HTTP API with /healthz, /readyz, /metrics, /streams and /ws.
//
// Shutdown is graceful on SIGINT/SIGTERM: sessions are stopped and their final events are
// relayed before the process exits.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/credentials"
	"github.com/onnwee/chat-tender/db"
	"github.com/onnwee/chat-tender/livechat"
	"github.com/onnwee/chat-tender/relay"
	"github.com/onnwee/chat-tender/server"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/youtubeapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	slog.SetDefault(newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("chat-tender", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

// newLogger builds the process logger. Defaults: level=info, format=text.
func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	logger := slog.New(handler)
	if unknown {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	return logger
}

func run(ctx context.Context, cfg *config.Config) error {
	client := livechat.NewClient(livechat.Config{
		BaseURL:       cfg.ChatBaseURL,
		APIKey:        cfg.ChatAPIKey,
		ClientVersion: cfg.ChatClientVersion,
		MaxRetries:    cfg.ChatMaxRetries,
		RetryBackoff:  cfg.ChatRetryBackoff,
		Limiter:       newLimiter(cfg.ChatRequestRate, cfg.ChatRequestBurst),
	})

	headers, err := loadHeaders(cfg)
	if err != nil {
		return err
	}

	pool := chat.NewPool(ctx, client, chat.PoolOptions{
		MaxSessions:    cfg.ChatMaxStreams,
		ListenerBuffer: cfg.ChatEventBuffer,
		Session:        chat.SessionOptions{Buffer: cfg.ChatEventBuffer},
	})
	deps := server.Deps{Pool: pool, Headers: headers}

	var sinks []relay.Sink
	if cfg.DBDsn != "" {
		database, err := openDatabase(ctx, cfg.DBDsn)
		if err != nil {
			return err
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		deps.DB = database
		sinks = append(sinks, relay.NewPostgresSink(database))
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		deps.Redis = rdb
		sinks = append(sinks, relay.NewRedisSink(rdb, relay.WithChannelPrefix(cfg.RedisChannelPrefix)))
	}
	filter, err := relay.NewFilter(cfg.RelayFilter)
	if err != nil {
		return fmt.Errorf("RELAY_FILTER: %w", err)
	}

	if cfg.YouTubeAPIEnabled() {
		resolver, err := youtubeapi.New(ctx, cfg)
		if err != nil {
			return err
		}
		deps.Resolver = resolver
	}

	bootStreams(ctx, cfg.StreamsFile, deps)
	startPprof()

	runner := relay.NewRunner(pool, filter, sinks...)
	slog.Info("starting", slog.String("addr", cfg.HTTPAddr), slog.Any("sinks", runner.Sinks()), slog.Int("streams", pool.Len()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Not tied to gctx: final end events are still relayed while the pool closes.
		return runner.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		return server.Start(gctx, deps, cfg.HTTPAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", slog.Int("streams", pool.Len()))
		pool.Close()
		return nil
	})
	return g.Wait()
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// loadHeaders turns CHAT_CREDENTIALS into a per-request signed header source. Sealed
// blobs need ENCRYPTION_KEY.
func loadHeaders(cfg *config.Config) (chat.HeaderFunc, error) {
	if cfg.ChatCredentials == "" {
		return nil, nil
	}
	var sealer *credentials.Sealer
	if cfg.EncryptionKey != "" {
		s, err := credentials.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		sealer = s
	}
	creds, err := credentials.Load(cfg.ChatCredentials, sealer)
	if err != nil {
		return nil, fmt.Errorf("CHAT_CREDENTIALS: %w", err)
	}
	slog.Info("signed chat requests enabled", slog.String("component", "credentials"))
	return creds.HeaderFunc(credentials.DefaultOrigin, clock.WallClock), nil
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

// bootStreams subscribes every stream of the streams file. Failures are logged per stream.
func bootStreams(ctx context.Context, path string, deps server.Deps) {
	if path == "" {
		return
	}
	specs, err := config.LoadStreams(path)
	if err != nil {
		slog.Error("streams file unreadable", slog.String("path", path), slog.Any("err", err))
		return
	}
	for _, spec := range specs {
		h, _, err := server.SubscribeSpec(ctx, deps, spec)
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, livechat.ErrInvalidArgument) {
				level = slog.LevelWarn
			}
			slog.Log(ctx, level, "boot subscribe failed", slog.String("stream_id", spec.StreamID), slog.Any("err", err))
			continue
		}
		slog.Info("boot stream subscribed", slog.String("stream_id", h.Identity().StreamID), slog.String("channel_id", h.Identity().ChannelID), slog.String("mode", h.Mode().String()))
	}
}

// startPprof serves /debug/pprof when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
