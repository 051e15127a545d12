// Package otel bootstraps OpenTelemetry tracing for the tuning service and
// defines the attribute vocabulary shared across pipeline spans.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	CollectorEndpoint    string
	CollectorInsecure    bool
	SamplingRate         float64 // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "1.0.0",
		Environment:          "development",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true, // Use TLS in production
		SamplingRate:         1.0,
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer initializes the OTLP exporter and global tracer provider.
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("tuning-service")
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(), // Use WithTLSCredentials in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}

// StartSpan starts a span with the given attributes.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records an error on a span and marks the span failed.
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}
	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for the tuning pipeline.
const (
	// Job attributes
	AttrJobID    = attribute.Key("job.id")
	AttrJobStage = attribute.Key("job.stage")
	AttrLogPath  = attribute.Key("job.log_path")

	// Dataset attributes
	AttrSamples      = attribute.Key("dataset.samples")
	AttrSkippedLines = attribute.Key("dataset.skipped_lines")

	// Pipeline attributes
	AttrClusterK    = attribute.Key("cluster.k")
	AttrCVScore     = attribute.Key("train.cv_score")
	AttrPolicyAlpha = attribute.Key("policy.alpha")
	AttrTauCheap    = attribute.Key("policy.tau_cheap")
	AttrTauHard     = attribute.Key("policy.tau_hard")

	// Artifact attributes
	AttrArtifactVersion = attribute.Key("artifact.version")
	AttrArtifactBytes   = attribute.Key("artifact.bytes")
)

// JobAttributes builds the span attributes common to every job-scoped span.
func JobAttributes(jobID, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrJobID.String(jobID),
		AttrJobStage.String(stage),
	}
}

// PolicyAttributes describes an optimized policy on the threshold-search span.
func PolicyAttributes(alpha, tauCheap, tauHard float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPolicyAlpha.Float64(alpha),
		AttrTauCheap.Float64(tauCheap),
		AttrTauHard.Float64(tauHard),
	}
}

// ArtifactAttributes describes a published artifact on the export span.
func ArtifactAttributes(version string, sizeBytes int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArtifactVersion.String(version),
		AttrArtifactBytes.Int(sizeBytes),
	}
}
