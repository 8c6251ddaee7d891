package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used by the queue.
const TracerName = "laneq.commandqueue"

// Span attribute keys shared by submit and execute spans.
const (
	AttrLane      = attribute.Key("laneq.lane")
	AttrCommandID = attribute.Key("laneq.command_id")
	AttrRequestID = attribute.Key("laneq.request_id")
)

// Options configures the tracer provider.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the share of root spans kept: 1 keeps all, 0 keeps none.
	SampleRatio float64
	// Exporter receives finished spans. Without one spans are sampled and
	// carry ids for log correlation but are not exported.
	Exporter sdktrace.SpanExporter
}

// Provider owns the process tracer provider installed by Setup.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup builds a tracer provider from opts and installs it globally.
func Setup(ctx context.Context, opts Options) (*Provider, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "laneq"
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
		sdktrace.WithResource(res),
	}
	if opts.Exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(opts.Exporter))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// sampler honours the parent's decision and samples roots by ratio.
func sampler(ratio float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case ratio >= 1:
		root = sdktrace.AlwaysSample()
	case ratio <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}

// Shutdown flushes pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartSpan starts a span and mirrors its trace id into the context so log
// lines and spans share one id.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(TracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// CommandAttributes returns the span attributes identifying a command.
func CommandAttributes(ctx context.Context) []attribute.KeyValue {
	tc := FromContext(ctx)
	var attrs []attribute.KeyValue
	if tc.LaneID != "" {
		attrs = append(attrs, AttrLane.String(tc.LaneID))
	}
	if tc.CommandID != "" {
		attrs = append(attrs, AttrCommandID.String(tc.CommandID))
	}
	if tc.RequestID != "" {
		attrs = append(attrs, AttrRequestID.String(tc.RequestID))
	}
	return attrs
}
