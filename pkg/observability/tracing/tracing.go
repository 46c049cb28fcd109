// Package tracing installs the global OpenTelemetry tracer provider used by
// the engine's orchestrate and worker.process spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fluxorio/orchestrator/pkg/config"
)

// Exporter names accepted in the tracing configuration.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterJaeger = "jaeger"
	ExporterZipkin = "zipkin"
)

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(ctx context.Context) error

// Options tweaks Setup beyond the configuration file.
type Options struct {
	// Writer receives stdout exporter output; nil means os.Stdout.
	Writer io.Writer
	// Sync exports each span as it ends instead of batching.
	Sync bool
}

// Setup builds a tracer provider for cfg and installs it globally together
// with W3C trace-context propagation. With the none exporter the global
// no-op provider is left in place.
func Setup(cfg config.TracingConfig, opts Options) (ShutdownFunc, error) {
	exp, err := newExporter(cfg, opts)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return func(context.Context) error { return nil }, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "orchestrator"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	var processor sdktrace.TracerProviderOption
	if opts.Sync {
		processor = sdktrace.WithSyncer(exp)
	} else {
		processor = sdktrace.WithBatcher(exp)
	}
	tp := sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(cfg config.TracingConfig, opts Options) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterJaeger:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("jaeger exporter requires an endpoint")
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	case ExporterZipkin:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("zipkin exporter requires an endpoint")
		}
		return zipkin.New(cfg.Endpoint)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}
