package telemetry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var ErrNoExporter = errors.New("neither OTLP nor Jaeger is configured")

// Configures OpenTelemetry with the OTLP exporter if set, Jaeger otherwise.
// The returned provider must be shut down on exit to flush pending spans.
func SetupTelemetry(ctx context.Context, config Config) (*tracesdk.TracerProvider, error) {
	exp, err := NewExporter(ctx, config)
	if err != nil {
		return nil, err
	}

	res, err := NewResource(config)
	if err != nil {
		return nil, err
	}

	tp := NewTracerProvider(exp, res)

	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(packageName(config))

	// Context propagation for the OpenTelemetry SDK.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// Creates a trace provider: span processors that receive all the spans and hand
// them to the exporter, associated with our service.
func NewTracerProvider(exp tracesdk.SpanExporter, res *resource.Resource) *tracesdk.TracerProvider {
	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
}

func NewExporter(ctx context.Context, config Config) (tracesdk.SpanExporter, error) {
	switch {
	case config.OTLP.Host != "":
		options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLP.Host)}
		if !config.OTLP.Secure {
			options = append(options, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, options...)
	case config.JaegerURL != "":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerURL)))
	default:
		return nil, ErrNoExporter
	}
}

// Creates a new resource to identify the service instance.
func NewResource(config Config) (*resource.Resource, error) {
	instanceID := config.ID
	if instanceID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		instanceID = id.String()
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(packageName(config)),
		attribute.String("ID", instanceID),
	), nil
}

func packageName(config Config) string {
	if config.Package != "" {
		return config.Package
	}
	return PACKAGE
}
