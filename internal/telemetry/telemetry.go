package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP/HTTP collector, with or without scheme. Empty
	// disables tracing.
	Endpoint   string
	SampleRate float64
	Logger     *slog.Logger
}

// Shutdown flushes and stops the trace provider.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs the global trace provider and propagators. Exporter setup
// failures are logged and leave tracing disabled; the service keeps running.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	endpoint, insecure := normalizeEndpoint(cfg.Endpoint)
	if endpoint == "" {
		return noop, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(3 * time.Second),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(initCtx, opts...)
	if err != nil {
		logger.Warn("tracing disabled", slog.String("endpoint", endpoint), slog.String("error", err.Error()))
		return noop, nil
	}

	attrs := resource.WithAttributes(semconv.ServiceName(cfg.ServiceName))
	if cfg.ServiceVersion != "" {
		attrs = resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		)
	}
	res, err := resource.New(ctx, attrs)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled",
		slog.String("endpoint", endpoint),
		slog.Float64("sampleRate", cfg.SampleRate),
	)
	return tp.Shutdown, nil
}

// normalizeEndpoint strips the scheme from a collector address. Plain http
// and scheme-less endpoints are dialled without TLS.
func normalizeEndpoint(raw string) (endpoint string, insecure bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", false
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "https://"), "/"), false
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "http://"), "/"), true
	default:
		return strings.TrimSuffix(raw, "/"), true
	}
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}
