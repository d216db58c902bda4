// Package otel wires OpenTelemetry tracing for the region server.
package otel

import (
	"context"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	EnvEndpoint = "REGIONS_OTEL_ENDPOINT"
	EnvEnabled  = "REGIONS_OTEL_ENABLED"
	// EnvSampleRatio sets the fraction of coordinator steps traced. Steps run
	// every tick, so the default samples a small share.
	EnvSampleRatio = "REGIONS_OTEL_SAMPLE_RATIO"
)

// Setup initialises tracing for serviceName. It is opt-in: with no
// REGIONS_OTEL_ENDPOINT, or REGIONS_OTEL_ENABLED=false, it registers nothing
// and returns a no-op shutdown. instanceID tags every span with the run.
func Setup(ctx context.Context, serviceName, instanceID string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(EnvEnabled), "false") {
		return noop, nil
	}
	endpoint := os.Getenv(EnvEndpoint)
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(serviceName))}
	if instanceID != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(instanceID)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

func sampleRatio() float64 {
	v := strings.TrimSpace(os.Getenv(EnvSampleRatio))
	if v == "" {
		return 0.01
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return 0.01
	}
	return f
}
