// Package traces wires OpenTelemetry tracing for booking, ledger and
// settlement operations.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/handyhub"

// Settings configures the exporter. An empty Endpoint disables export.
type Settings struct {
	Endpoint      string
	Version       string
	Environment   string
	SamplePercent int
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Init installs a batching OTLP/gRPC tracer provider and the W3C trace
// context propagator. Root spans are sampled at SamplePercent; child spans
// follow their parent.
func Init(ctx context.Context, s Settings, logger *slog.Logger) (Shutdown, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	if s.Endpoint == "" {
		logger.Info("tracing disabled, OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(s.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("handyhub"),
		semconv.ServiceVersion(s.Version),
		semconv.DeploymentEnvironment(s.Environment),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(s.SamplePercent)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", s.Endpoint, "sample_percent", s.SamplePercent)
	return tp.Shutdown, nil
}

// Sampler samples percent of new traces and always honours the parent's
// decision.
func Sampler(percent int) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case percent >= 100:
		root = sdktrace.AlwaysSample()
	case percent <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(float64(percent) / 100)
	}
	return sdktrace.ParentBased(root)
}

// StartSpan starts a span from the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on the span and marks it errored.
func Fail(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

func BookingID(id string) attribute.KeyValue  { return attribute.String("booking.id", id) }
func PaymentID(id string) attribute.KeyValue  { return attribute.String("payment.id", id) }
func DisputeID(id string) attribute.KeyValue  { return attribute.String("dispute.id", id) }
func Actor(id string) attribute.KeyValue      { return attribute.String("actor.id", id) }
func EventID(id string) attribute.KeyValue    { return attribute.String("webhook.event_id", id) }
func Reference(ref string) attribute.KeyValue { return attribute.String("payment.reference", ref) }

// Provider names the payment provider, "stripe" or "paystack".
func Provider(name string) attribute.KeyValue { return attribute.String("payment.provider", name) }
