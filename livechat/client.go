package livechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/time/rate"

	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/token"
)

const (
	DefaultBaseURL       = "https://www.youtube.com"
	DefaultClientVersion = "2.20240620.05.00"
	DefaultMaxRetries    = 5
	DefaultRetryBackoff  = 2 * time.Second

	liveEndpoint   = "/youtubei/v1/live_chat/get_live_chat"
	replayEndpoint = "/youtubei/v1/live_chat/get_live_chat_replay"

	maxResponseBytes = 16 << 20
	userAgent        = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// Config controls a Client. Zero values take the defaults above; MaxRetries < 0 is
// treated as 0.
type Config struct {
	BaseURL       string
	APIKey        string
	ClientVersion string
	// MaxRetries is the number of extra attempts granted to transient failures within
	// one Poll. A poll makes at most MaxRetries+1 requests, not counting the one-time
	// replay fallback.
	MaxRetries   int
	RetryBackoff time.Duration

	HTTPClient *http.Client
	Clock      clock.Clock
	// Limiter, when set, is shared by every poll issued through the client.
	Limiter    *rate.Limiter
	Decoder    Decoder
	Classifier TextClassifier
}

// Client performs single chat polls. It is safe for concurrent use and holds no
// per-stream state.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// NewClient builds a client, filling defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = DefaultClientVersion
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Decoder == nil {
		cfg.Decoder = DefaultDecoder{}
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier()
	}
	return &Client{cfg: cfg, logger: slog.Default().With(slog.String("component", "livechat"))}
}

type clientInfo struct {
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`
	HL            string `json:"hl"`
	GL            string `json:"gl"`
}

type requestBody struct {
	Context struct {
		Client clientInfo `json:"client"`
	} `json:"context"`
	Continuation string `json:"continuation"`
}

// Poll performs one logical poll: it returns exactly one batch or one error.
func (c *Client) Poll(ctx context.Context, req Request) (*Batch, error) {
	ctx, span := telemetry.StartPollSpan(ctx, req.Identity.StreamID, req.Identity.ChannelID, req.Mode.String())
	defer span.End()

	log := c.logger.With(slog.String("stream_id", req.Identity.StreamID), slog.String("channel_id", req.Identity.ChannelID))
	start := c.cfg.Clock.Now()
	mode := req.Mode
	fellBack := false
	var batch *Batch

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			b, err := c.attempt(ctx, &req, &mode, &fellBack, log)
			if err != nil {
				return err
			}
			batch = b
			return nil
		},
		IsFatalError: func(err error) bool { return !IsRetryable(err) },
		NotifyFunc: func(err error, attempt int) {
			telemetry.IncPollFailure(KindOf(err).String())
			log.Warn("poll attempt failed", slog.Int("attempt", attempt), slog.Any("err", err))
		},
		Attempts: c.cfg.MaxRetries + 1,
		Delay:    c.cfg.RetryBackoff,
		Clock:    c.cfg.Clock,
		Stop:     ctx.Done(),
	})
	elapsed := c.cfg.Clock.Now().Sub(start)

	switch {
	case err == nil:
	case retry.IsRetryStopped(err):
		err = &Error{Kind: KindAborted, Err: ctx.Err()}
	case retry.IsAttemptsExceeded(err):
		err = &Error{
			Kind:    KindExhausted,
			Message: fmt.Sprintf("gave up after %d attempts", c.cfg.MaxRetries+1),
			Err:     retry.LastError(err),
		}
	}
	if err != nil {
		if ctx.Err() != nil && KindOf(err) != KindAborted {
			err = &Error{Kind: KindAborted, Err: ctx.Err()}
		}
		if KindOf(err) != KindTransient {
			telemetry.IncPollFailure(KindOf(err).String())
		}
		telemetry.FinishPollSpan(span, 0, "", err)
		telemetry.ObservePoll(mode.String(), "error", elapsed)
		return nil, err
	}

	outcome := "ok"
	switch {
	case batch.Next == nil:
		outcome = "ended"
	case len(batch.Events) == 0:
		outcome = "empty"
	}
	telemetry.FinishPollSpan(span, len(batch.Events), outcome, nil)
	telemetry.ObservePoll(batch.Mode.String(), outcome, elapsed)
	telemetry.AddEvents(batch.Mode.String(), len(batch.Events))
	return batch, nil
}

// attempt issues one request, plus one replay re-issue when a stream of unknown mode
// reports a disabled chat. req, mode and fellBack persist across retry attempts. A live
// cursor means nothing to the replay endpoint, so the re-issue starts from the initial
// replay continuation.
func (c *Client) attempt(ctx context.Context, req *Request, mode *PollMode, fellBack *bool, log *slog.Logger) (*Batch, error) {
	for {
		b, err := c.fetch(ctx, *req, *mode)
		if err != nil && errors.Is(err, ErrDisabled) && *mode == ModeUnknown {
			log.Info("live chat disabled, switching to replay", slog.Bool("resumed", req.Token != nil))
			telemetry.IncModeFallback()
			*mode = ModeReplay
			*fellBack = true
			req.Token = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		if *mode == ModeUnknown {
			*mode = ModeLive
		}
		b.Identity = req.Identity
		b.Mode = *mode
		b.FellBack = *fellBack
		b.FetchedAt = c.cfg.Clock.Now()
		return b, nil
	}
}

func (c *Client) endpoint(mode PollMode) string {
	path := liveEndpoint
	if mode == ModeReplay {
		path = replayEndpoint
	}
	q := url.Values{}
	q.Set("prettyPrint", "false")
	if c.cfg.APIKey != "" {
		q.Set("key", c.cfg.APIKey)
	}
	return c.cfg.BaseURL + path + "?" + q.Encode()
}

func (c *Client) continuation(req Request, mode PollMode) string {
	if req.Token != nil {
		return req.Token.String()
	}
	return token.InitialContinuation(token.InitialParams{
		ChannelID:   req.Identity.ChannelID,
		VideoID:     req.Identity.StreamID,
		TopChatOnly: req.TopChatOnly,
		Replay:      mode == ModeReplay,
	})
}

// fetch sends one HTTP request and interprets the response.
func (c *Client) fetch(ctx context.Context, req Request, mode PollMode) (*Batch, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, &Error{Kind: KindAborted, Err: ctx.Err()}
			}
			return nil, &Error{Kind: KindTransient, Message: "rate limiter", Err: err}
		}
	}

	var body requestBody
	body.Context.Client = clientInfo{ClientName: "WEB", ClientVersion: c.cfg.ClientVersion, HL: "en", GL: "US"}
	body.Continuation = c.continuation(req, mode)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(mode), bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindInvalidArgument, Message: "build request", Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Youtube-Client-Name", "1")
	httpReq.Header.Set("X-Youtube-Client-Version", c.cfg.ClientVersion)
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", userAgent)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindAborted, Err: ctx.Err()}
		}
		return nil, &Error{Kind: KindTransient, Message: "transport", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindAborted, Err: ctx.Err()}
		}
		return nil, &Error{Kind: KindTransient, Message: "read body", Err: err}
	}

	var pr pollResponse
	decodeErr := json.Unmarshal(raw, &pr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &Error{Kind: KindForHTTPStatus(resp.StatusCode), Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && pr.Error != nil {
			e.Kind = KindForStatus(pr.Error.Status, resp.StatusCode)
			e.Status = pr.Error.Status
			e.Message = pr.Error.Message
		}
		return nil, e
	}
	if decodeErr != nil {
		return nil, &Error{Kind: KindDecode, Message: "malformed response", Err: decodeErr}
	}
	if pr.Error != nil {
		code := pr.Error.Code
		if code == 0 {
			code = http.StatusInternalServerError
		}
		return nil, &Error{Kind: KindForStatus(pr.Error.Status, code), Status: pr.Error.Status, Code: pr.Error.Code, Message: pr.Error.Message}
	}
	return c.interpret(&pr, mode)
}

func (c *Client) interpret(pr *pollResponse, mode PollMode) (*Batch, error) {
	chat := pr.chat()
	if chat == nil {
		text := pr.reasonText()
		switch c.cfg.Classifier.Classify(text) {
		case OutcomeDisabled:
			return nil, &Error{Kind: KindDisabled, Message: text}
		case OutcomeMembersOnly:
			return nil, &Error{Kind: KindMembersOnly, Message: text}
		default:
			return &Batch{Events: []Event{}}, nil
		}
	}
	return &Batch{
		Events: decodeActions(chat.Actions, mode, c.cfg.Decoder),
		Next:   chat.nextToken(),
	}, nil
}
