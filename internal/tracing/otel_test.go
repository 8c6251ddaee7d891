package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestStartSpanKeepsExistingTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "existing")
	ctx, span := StartSpan(ctx, "test.span")
	defer span.End()

	assert.Equal(t, "existing", GetTraceID(ctx))
}

func TestSetupExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider, err := Setup(context.Background(), Options{
		ServiceName:    "laneq-test",
		ServiceVersion: "0.0.1",
		SampleRatio:    1,
		Exporter:       exporter,
	})
	require.NoError(t, err)

	ctx := WithCommandID(WithLaneID(context.Background(), "prompt"), "prompt-1")
	ctx, span := StartSpan(ctx, "commandqueue.execute", CommandAttributes(ctx)...)
	require.True(t, span.SpanContext().IsSampled())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "commandqueue.execute", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, AttrLane.String("prompt"))
	assert.Contains(t, spans[0].Attributes, AttrCommandID.String("prompt-1"))

	service, ok := spans[0].Resource.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "laneq-test", service.AsString())
	version, ok := spans[0].Resource.Set().Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.Equal(t, "0.0.1", version.AsString())
}

func TestSetupZeroRatioDropsRootSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider, err := Setup(context.Background(), Options{SampleRatio: 0, Exporter: exporter})
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "commandqueue.submit")
	assert.False(t, span.SpanContext().IsSampled())
	// Unsampled spans still carry ids for log correlation.
	assert.NotEmpty(t, GetTraceID(ctx))
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
	assert.Empty(t, exporter.GetSpans())
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "root:AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "root:AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "root:TraceIDRatioBased{0.25}")
}

func TestNilProviderShutdown(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestCommandAttributes(t *testing.T) {
	assert.Empty(t, CommandAttributes(context.Background()))

	ctx := WithRequestID(WithLaneID(context.Background(), "skill:web"), "req-9")
	assert.Equal(t, []attribute.KeyValue{
		AttrLane.String("skill:web"),
		AttrRequestID.String("req-9"),
	}, CommandAttributes(ctx))
}
