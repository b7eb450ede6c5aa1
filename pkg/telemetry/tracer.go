package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"

	"github.com/trackrecon/trackrecon/pkg/engine"
)

// Tracer wraps the OpenTelemetry tracer with spans for runs, sub-batches and
// sheet flushes.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration. A disabled
// config yields a tracer whose spans are never recorded.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{
			tracer: noop.NewTracerProvider().Tracer(serviceName),
			config: cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg, serviceVersion)
	case "stdout":
		exporter, err = createStdoutExporter(os.Stderr)
	case "none":
		// Spans are recorded but never exported.
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// NewTracerWithExporter creates a tracer that sends every span synchronously
// to exporter. It does not touch the global provider.
func NewTracerWithExporter(exporter sdktrace.SpanExporter, serviceName string) *Tracer {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSyncer(exporter),
	)
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   TracingConfig{Enabled: true},
	}
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig, version string) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent("trackrecon/" + version)),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	return otlptracegrpc.New(context.Background(), opts...)
}

// createStdoutExporter creates a pretty-printing exporter for debugging.
func createStdoutExporter(w io.Writer) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the root span of a reconciliation run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, target string, dryRun bool) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "reconcile.run",
		AttrRunID.String(runID),
		AttrTarget.String(target),
		AttrDryRun.Bool(dryRun),
	)
}

// StartBatchSpan starts a span for one sub-batch of queries.
func (t *Tracer) StartBatchSpan(ctx context.Context, index, total, size int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "reconcile.batch",
		AttrBatchIndex.Int(index),
		AttrBatchTotal.Int(total),
		AttrBatchSize.Int(size),
	)
}

// StartFlushSpan starts a span for a sheet flush.
func (t *Tracer) StartFlushSpan(ctx context.Context, cells int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "sheets.flush", AttrCells.Int(cells))
}

// RecordError records an error on the span, tagged with its engine class and
// code when it has one.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		span.SetAttributes(AttrErrorClass.String(string(ee.Class)))
		if ee.Code != "" {
			span.SetAttributes(AttrErrorCode.String(ee.Code))
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// EndSpan records err (or success) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Common attribute keys for reconciliation tracing.
var (
	AttrRunID      = attribute.Key("run.id")
	AttrTarget     = attribute.Key("run.target")
	AttrDryRun     = attribute.Key("run.dry_run")
	AttrBatchIndex = attribute.Key("batch.index")
	AttrBatchTotal = attribute.Key("batch.total")
	AttrBatchSize  = attribute.Key("batch.size")
	AttrCells      = attribute.Key("sheets.cells")
	AttrErrorClass = attribute.Key("error.class")
	AttrErrorCode  = attribute.Key("error.code")
)
