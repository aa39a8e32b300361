package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/smallbiznis/arengine/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestCorrelationSpanProcessorTagsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(&correlationSpanProcessor{}),
		sdktrace.WithSpanProcessor(recorder),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx := correlation.ContextWithCorrelationID(context.Background(), "cid-3")
	ctx = correlation.ContextWithRunID(ctx, 99)
	_, span := tp.Tracer("test").Start(ctx, "orchestrator.account")
	End(span, errors.New("boom"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "cid-3", attrs["correlation_id"].AsString())
	assert.Equal(t, int64(99), attrs["run_id"].AsInt64())
	assert.Len(t, spans[0].Events(), 1)
}

func TestNewProviderDisabledExporter(t *testing.T) {
	tp, err := NewProvider(nil, Config{ServiceName: "arengine", SamplingRatio: 1}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
}
