package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	pollTracer = "chat-tender/livechat"
	httpTracer = "chat-tender/http"
)

// tracingSettings are read from the standard OTEL_* variables.
type tracingSettings struct {
	endpoint string
	insecure bool
	ratio    float64
}

func tracingSettingsFromEnv() (tracingSettings, error) {
	s := tracingSettings{
		endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		insecure: true,
		ratio:    1,
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		s.insecure = b
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return s, fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG %q: want a ratio in [0,1]", v)
		}
		s.ratio = f
	}
	return s, nil
}

// InitTracing exports poll and request spans over OTLP/gRPC. Without
// OTEL_EXPORTER_OTLP_ENDPOINT it installs nothing and spans stay no-ops.
func InitTracing(serviceName, serviceVersion string) (func(), error) {
	settings, err := tracingSettingsFromEnv()
	if err != nil {
		return nil, err
	}
	if settings.endpoint == "" {
		slog.Info("tracing disabled", slog.String("component", "telemetry"))
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(settings.endpoint)}
	if settings.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(settings.ratio))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled",
		slog.String("component", "telemetry"),
		slog.String("endpoint", settings.endpoint),
		slog.Float64("sample_ratio", settings.ratio))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("tracer shutdown", slog.Any("err", err), slog.String("component", "telemetry"))
		}
	}, nil
}

func start(ctx context.Context, tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracer).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartPollSpan opens the span of one logical chat poll.
func StartPollSpan(ctx context.Context, streamID, channelID, mode string) (context.Context, trace.Span) {
	return start(ctx, pollTracer, "livechat.poll",
		attribute.String("chat.stream_id", streamID),
		attribute.String("chat.channel_id", channelID),
		attribute.String("chat.mode", mode),
	)
}

// FinishPollSpan records the poll result; events and outcome are ignored when err is set.
func FinishPollSpan(span trace.Span, events int, outcome string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.Int("chat.events", events), attribute.String("chat.outcome", outcome))
	span.SetStatus(codes.Ok, "")
}

// StartRequestSpan opens the span of one HTTP request, named by method and route.
func StartRequestSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, httpTracer, method+" "+route, semconv.HTTPMethod(method), semconv.HTTPRoute(route))
}

// FinishRequestSpan records the response code; 5xx marks the span failed.
func FinishRequestSpan(span trace.Span, code int) {
	span.SetAttributes(semconv.HTTPStatusCode(code))
	if code >= 500 {
		span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(code))
	}
}
