// Package telemetry wires opentelemetry tracing and slog for the engine
// and its CLI. Scraping packages declare their own tracers; this package
// only installs the providers.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"ptengine/lib/configutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type otlpConnConfig struct {
	GrpcEndpoint string            `json:"grpc_endpoint"`
	HttpEndpoint string            `json:"http_endpoint"`
	Headers      map[string]string `json:"headers"`
}

type Config struct {
	Traces otlpConnConfig `json:"traces"`
}

var tracerProvider *trace.TracerProvider

// InitSlog installs the process-wide slog handler.
func InitSlog(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// SetupFromEnv searches up the filesystem from the cwd for a
// telemetry.json5 config and installs an exporting tracer provider from
// it. Missing config is not an error: tracing simply stays local.
func SetupFromEnv(ctx context.Context, serviceName string) error {
	config, err := configutil.ReadRecursively[Config]("telemetry.json5")
	if os.IsNotExist(err) {
		return Setup(ctx, serviceName, Config{})
	}
	if err != nil {
		return err
	}
	return Setup(ctx, serviceName, config)
}

func Setup(ctx context.Context, serviceName string, config Config) error {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return err
	}

	opts := []trace.TracerProviderOption{trace.WithResource(r)}
	exporter, err := exporterFromConfig(ctx, config)
	if err != nil {
		return err
	}
	if exporter != nil {
		opts = append(opts, trace.WithBatcher(exporter))
	}

	tracerProvider = trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tracerProvider)
	return nil
}

func exporterFromConfig(ctx context.Context, c Config) (trace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()

	if c.Traces.GrpcEndpoint != "" {
		slog.Info("tracer export initialized", "type", "grpc", "endpoint", c.Traces.GrpcEndpoint)
		return otlptracegrpc.New(
			ctx,
			otlptracegrpc.WithEndpointURL(c.Traces.GrpcEndpoint),
			otlptracegrpc.WithHeaders(c.Traces.Headers),
		)
	}
	if c.Traces.HttpEndpoint != "" {
		slog.Info("tracer export initialized", "type", "http", "endpoint", c.Traces.HttpEndpoint)
		return otlptracehttp.New(
			ctx,
			otlptracehttp.WithEndpointURL(c.Traces.HttpEndpoint),
			otlptracehttp.WithHeaders(c.Traces.Headers),
		)
	}
	return nil, nil
}

func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	return tracerProvider.Shutdown(ctx)
}

var setupTestEnvironments = map[string]bool{}

// SetupForTesting installs a non-exporting tracer provider exactly once
// per service name so tests can start spans without external collectors.
func SetupForTesting(serviceName string) func() {
	if setupTestEnvironments[serviceName] {
		return func() {}
	}
	setupTestEnvironments[serviceName] = true

	InitSlog(true)
	err := Setup(context.Background(), serviceName, Config{})
	if err != nil {
		panic(err)
	}
	return func() {
		err := Shutdown(context.Background())
		if err != nil {
			panic(err)
		}
	}
}
