// Package telemetry sets up OpenTelemetry tracing for trainloop commands.
package telemetry

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/throw-if-null/trainloop/internal/config"
	"github.com/throw-if-null/trainloop/internal/version"
)

// Config controls telemetry initialization behavior.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Insecure       bool
}

// FromConfig maps the [telemetry] config section.
func FromConfig(tc config.TelemetryConfig) Config {
	return Config{
		ServiceName:    tc.ServiceName,
		ServiceVersion: version.Version,
		OTLPEndpoint:   tc.Endpoint,
	}
}

func noop(context.Context) error { return nil }

// Setup initializes tracing when enabled. Disabled telemetry keeps the
// global no-op provider and returns a no-op shutdown.
func Setup(ctx context.Context, tc config.TelemetryConfig) (func(context.Context) error, error) {
	if !tc.Enabled {
		return noop, nil
	}
	return Init(ctx, FromConfig(tc))
}

// Init initializes OpenTelemetry tracing using an OTLP/HTTP exporter.
// It sets global propagators and the global TracerProvider. Returns a
// shutdown function that will attempt to flush and stop the provider.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name required")
	}

	ep := cfg.OTLPEndpoint
	if ep == "" {
		ep = "http://127.0.0.1:4318"
	}

	u, err := url.Parse(ep)
	if err != nil {
		return nil, errors.Wrap(err, "parse otlp endpoint")
	}

	endpoint := u.Host
	if endpoint == "" {
		// host:port without scheme
		endpoint = u.Path
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure || u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create otlp exporter")
	}

	tp, shutdown, err := newTracerProviderWithExporter(exporter, cfg)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return shutdown, nil
}

// newTracerProviderWithExporter creates a TracerProvider wired to the
// provided SpanExporter.
func newTracerProviderWithExporter(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, nil, err
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)

	shutdown := func(ctx context.Context) error {
		return tp.Shutdown(ctx)
	}
	return tp, shutdown, nil
}
