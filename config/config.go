// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup: without DB_DSN
// and REDIS_ADDR the relay sinks are disabled and events are only served over HTTP.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// HTTP
	HTTPAddr string

	// Chat polling
	ChatBaseURL       string
	ChatAPIKey        string
	ChatClientVersion string
	ChatMaxRetries    int
	ChatRetryBackoff  time.Duration
	ChatRequestRate   float64 // requests/second across all streams; 0 disables limiting
	ChatRequestBurst  int
	ChatMaxStreams    int
	ChatEventBuffer   int
	ChatCredentials   string
	EncryptionKey     string

	// YouTube Data API (metadata resolution)
	YTAPIKey       string
	YTClientID     string
	YTClientSecret string
	YTRefreshToken string

	// Relay sinks
	DBDsn              string
	RedisAddr          string
	RedisPassword      string
	RedisChannelPrefix string
	RelayFilter        string

	// Boot streams
	StreamsFile string
}

// Load reads environment variables and applies defaults. Malformed numeric or duration values
// are errors; missing optional variables disable the feature they configure.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		ChatBaseURL:        getenv("CHAT_BASE_URL", "https://www.youtube.com"),
		ChatAPIKey:         os.Getenv("CHAT_API_KEY"),
		ChatClientVersion:  os.Getenv("CHAT_CLIENT_VERSION"),
		ChatCredentials:    os.Getenv("CHAT_CREDENTIALS"),
		EncryptionKey:      os.Getenv("ENCRYPTION_KEY"),
		YTAPIKey:           os.Getenv("YT_API_KEY"),
		YTClientID:         os.Getenv("YT_CLIENT_ID"),
		YTClientSecret:     os.Getenv("YT_CLIENT_SECRET"),
		YTRefreshToken:     os.Getenv("YT_REFRESH_TOKEN"),
		DBDsn:              os.Getenv("DB_DSN"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisChannelPrefix: getenv("REDIS_CHANNEL_PREFIX", "chat"),
		RelayFilter:        os.Getenv("RELAY_FILTER"),
		StreamsFile:        os.Getenv("STREAMS_FILE"),
	}

	var errs []error
	cfg.ChatMaxRetries = intEnv("CHAT_MAX_RETRIES", 5, &errs)
	cfg.ChatRetryBackoff = durationEnv("CHAT_RETRY_BACKOFF", 2*time.Second, &errs)
	cfg.ChatRequestRate = floatEnv("CHAT_REQUEST_RATE", 10, &errs)
	cfg.ChatRequestBurst = intEnv("CHAT_REQUEST_BURST", 5, &errs)
	cfg.ChatMaxStreams = intEnv("CHAT_MAX_STREAMS", 0, &errs)
	cfg.ChatEventBuffer = intEnv("CHAT_EVENT_BUFFER", 64, &errs)
	if cfg.ChatMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("invalid CHAT_MAX_RETRIES: must be >= 0"))
	}
	if cfg.ChatRetryBackoff <= 0 {
		errs = append(errs, fmt.Errorf("invalid CHAT_RETRY_BACKOFF: must be > 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// YouTubeAPIEnabled reports whether metadata lookups can be authenticated.
func (c *Config) YouTubeAPIEnabled() bool {
	return c.YTAPIKey != "" || (c.YTClientID != "" && c.YTClientSecret != "" && c.YTRefreshToken != "")
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func floatEnv(key string, def float64, errs *[]error) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return f
}

// durationEnv accepts Go durations ("1500ms") or plain seconds ("2").
func durationEnv(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	*errs = append(*errs, fmt.Errorf("invalid %s: %q is not a duration", key, v))
	return def
}

// StreamSpec is one entry of the boot streams file and the body of POST /streams.
type StreamSpec struct {
	StreamID    string `yaml:"stream_id" json:"stream_id"`
	ChannelID   string `yaml:"channel_id" json:"channel_id,omitempty"`
	Mode        string `yaml:"mode" json:"mode,omitempty"`
	TopChatOnly bool   `yaml:"top_chat_only" json:"top_chat_only,omitempty"`
	Resume      string `yaml:"resume" json:"resume,omitempty"`
}

type streamsFile struct {
	Streams []StreamSpec `yaml:"streams"`
}

// LoadStreams reads the YAML streams file:
//
//	streams:
//	  - stream_id: dQw4w9WgXcQ
//	    channel_id: UCuAXFkgsw1L7xaCfnd5JJOw
//	    mode: live
func LoadStreams(path string) ([]StreamSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read streams file: %w", err)
	}
	var f streamsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse streams file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Streams))
	for i, s := range f.Streams {
		if strings.TrimSpace(s.StreamID) == "" {
			return nil, fmt.Errorf("streams file %s: entry %d has no stream_id", path, i)
		}
		if seen[s.StreamID] {
			return nil, fmt.Errorf("streams file %s: duplicate stream_id %q", path, s.StreamID)
		}
		seen[s.StreamID] = true
	}
	return f.Streams, nil
}
