package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpan(t *testing.T, err error) sdktrace.ReadOnlySpan {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer(TracerName).Start(context.Background(), "node")
	SetError(span, err, attribute.String(GraphNameKey, "orders"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	return spans[0]
}

func eventAttributes(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	attrs := make(map[attribute.Key]string)

	for _, event := range span.Events() {
		for _, kv := range event.Attributes {
			attrs[kv.Key] = kv.Value.Emit()
		}
	}

	return attrs
}

func TestSetError_GraphError(t *testing.T) {
	graphErr := models.NewGraphError(models.ErrorTypeAuthentication, "bad token", nil)
	graphErr.NodeID = "charge"

	span := recordSpan(t, graphErr)

	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "authentication error: bad token", span.Status().Description)

	attrs := eventAttributes(span)
	assert.Equal(t, "orders", attrs[GraphNameKey])
	assert.Equal(t, string(models.SeverityHigh), attrs[ErrorSeverityKey])
	assert.Equal(t, "charge", attrs[NodeIDKey])
}

func TestSetError_PlainError(t *testing.T) {
	span := recordSpan(t, errors.New("boom"))

	assert.Equal(t, codes.Error, span.Status().Code)

	attrs := eventAttributes(span)
	assert.Equal(t, "orders", attrs[GraphNameKey])
	assert.NotContains(t, attrs, attribute.Key(ErrorSeverityKey))
}
