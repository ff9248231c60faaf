// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollsTotal     *prometheus.CounterVec // mode, outcome
	PollFailures   *prometheus.CounterVec // kind
	ModeFallbacks  prometheus.Counter
	EventsReceived *prometheus.CounterVec // mode
	SessionsEnded  *prometheus.CounterVec // reason
	RelayWrites    *prometheus.CounterVec // sink, outcome
	HTTPRequests   *prometheus.CounterVec // method, code
	ListenersDropped prometheus.Counter

	// Histograms (seconds)
	PollDuration *prometheus.HistogramVec // mode
	WaitDuration prometheus.Observer

	// Gauges
	ActiveSessions prometheus.Gauge
	SSEClients     prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_polls_total", Help: "Completed chat polls by mode and outcome"}, []string{"mode", "outcome"})
		PollFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_poll_attempt_failures_total", Help: "Failed poll attempts by error kind, including retried ones"}, []string{"kind"})
		ModeFallbacks = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_mode_fallbacks_total", Help: "Streams switched from live to replay after a disabled-chat response"})
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_events_received_total", Help: "Chat events decoded"}, []string{"mode"})
		SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_sessions_ended_total", Help: "Sessions that reached a terminal state"}, []string{"reason"})
		RelayWrites = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_relay_writes_total", Help: "Batches written to relay sinks"}, []string{"sink", "outcome"})
		HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_http_requests_total", Help: "HTTP requests served"}, []string{"method", "code"})
		ListenersDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_listeners_dropped_total", Help: "Event listeners disconnected for falling behind"})
		PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "chat_poll_duration_seconds", Help: "Poll duration including retries", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}}, []string{"mode"})
		WaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_poll_wait_seconds", Help: "Time a session slept before its next poll", Buckets: []float64{0, 0.5, 1, 2, 5, 10, 30}})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_active_sessions", Help: "Sessions currently registered in the pool"})
		SSEClients = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_sse_clients", Help: "Connected SSE and websocket listeners"})
	})
}

// ObservePoll records one completed poll.
func ObservePoll(mode, outcome string, d time.Duration) {
	if PollsTotal != nil {
		PollsTotal.WithLabelValues(mode, outcome).Inc()
	}
	if PollDuration != nil {
		PollDuration.WithLabelValues(mode).Observe(d.Seconds())
	}
}

// IncPollFailure counts one failed attempt.
func IncPollFailure(kind string) { if PollFailures != nil { PollFailures.WithLabelValues(kind).Inc() } }

// IncModeFallback counts a live to replay switch.
func IncModeFallback() { if ModeFallbacks != nil { ModeFallbacks.Inc() } }

// AddEvents counts decoded events.
func AddEvents(mode string, n int) {
	if EventsReceived != nil && n > 0 {
		EventsReceived.WithLabelValues(mode).Add(float64(n))
	}
}

// IncSessionEnded counts a terminal session by reason (ended, cancelled, error).
func IncSessionEnded(reason string) { if SessionsEnded != nil { SessionsEnded.WithLabelValues(reason).Inc() } }

// IncRelayWrite counts a sink write.
func IncRelayWrite(sink, outcome string) { if RelayWrites != nil { RelayWrites.WithLabelValues(sink, outcome).Inc() } }

// IncHTTPRequest counts a served request by method and status code.
func IncHTTPRequest(method string, code int) { if HTTPRequests != nil { HTTPRequests.WithLabelValues(method, strconv.Itoa(code)).Inc() } }

// SetActiveSessions records current pool size.
func SetActiveSessions(n int) { if ActiveSessions != nil { ActiveSessions.Set(float64(n)) } }

// AddSSEClients adjusts the connected listener gauge by delta.
func AddSSEClients(delta int) { if SSEClients != nil { SSEClients.Add(float64(delta)) } }

// IncListenerDropped counts a slow listener that was disconnected.
func IncListenerDropped() { if ListenersDropped != nil { ListenersDropped.Inc() } }

// ObserveWait records a pre-poll sleep.
func ObserveWait(d time.Duration) { if WaitDuration != nil { WaitDuration.Observe(d.Seconds()) } }

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
