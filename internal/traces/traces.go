// Package traces wraps OpenTelemetry for chain operations and message
// handling. Spans are named "<chain>.<operation>".
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/kya"

// Options configures the exporter.
type Options struct {
	Endpoint    string  // OTLP gRPC collector; empty disables export
	Version     string  // reported as service.version
	SampleRatio float64 // fraction of root spans kept
}

// Init installs a global tracer provider exporting to opts.Endpoint and
// returns its shutdown func. With no endpoint the global no-op provider
// stays in place.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("kya"),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler keeps ratio of root spans and follows the parent otherwise, so
// a message handled on another chain stays in its sender's trace.
func Sampler(ratio float64) sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span named name under ctx.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on the span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func Agent(addr string) attribute.KeyValue {
	return attribute.String("kya.agent", addr)
}

func Chain(id string) attribute.KeyValue {
	return attribute.String("kya.chain", id)
}

func Sender(id string) attribute.KeyValue {
	return attribute.String("kya.message.from", id)
}

func MessageKind(kind string) attribute.KeyValue {
	return attribute.String("kya.message.kind", kind)
}

func MessageID(id string) attribute.KeyValue {
	return attribute.String("kya.message.id", id)
}

// Outcome is how a handler disposed of a message: applied, ignored, rejected.
func Outcome(outcome string) attribute.KeyValue {
	return attribute.String("kya.message.outcome", outcome)
}

func Score(score uint16) attribute.KeyValue {
	return attribute.Int("kya.score", int(score))
}

func Tier(tier string) attribute.KeyValue {
	return attribute.String("kya.tier", tier)
}
