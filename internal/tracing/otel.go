package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by every nebula component
const (
	AttrSessionID = attribute.Key("session.id")
	AttrTurnID    = attribute.Key("turn.id")
)

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// Options configures the process tracer provider
type Options struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of root spans kept; zero or less keeps all
	SampleRatio float64
	// Exporter receives finished spans in batches. Without one spans only
	// feed trace ids into logs.
	Exporter sdktrace.SpanExporter
}

// InitOpenTelemetry installs the process-wide tracer provider. Calling it
// again while a provider is installed is a no-op; after
// ShutdownOpenTelemetry a new provider can be installed.
func InitOpenTelemetry(opts Options) error {
	providerMu.Lock()
	defer providerMu.Unlock()

	if provider != nil {
		return nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "nebula"
	}
	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}
	if opts.Exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(opts.Exporter))
	}

	provider = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(provider)
	return nil
}

// FlushOpenTelemetry exports every finished span still buffered
func FlushOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	providerMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.ForceFlush(ctx)
}

// ShutdownOpenTelemetry flushes and shuts down the installed provider
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span tagged with the session and turn carried by ctx
// and makes sure ctx carries a trace id for log correlation.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(withContextAttrs(ctx, attrs)...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// withContextAttrs adds session and turn ids unless the caller set them
func withContextAttrs(ctx context.Context, attrs []attribute.KeyValue) []attribute.KeyValue {
	has := func(key attribute.Key) bool {
		for _, a := range attrs {
			if a.Key == key {
				return true
			}
		}
		return false
	}
	if id := GetSessionID(ctx); id != "" && !has(AttrSessionID) {
		attrs = append(attrs, AttrSessionID.String(id))
	}
	if id := GetTurnID(ctx); id != "" && !has(AttrTurnID) {
		attrs = append(attrs, AttrTurnID.String(id))
	}
	return attrs
}

// RecordError marks span as failed with err. A nil err is a no-op.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
