package otelhelper

import (
	"errors"

	"github.com/dukex/kernelgraph/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks span failed. Graph errors also carry their type, severity and node.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	var graphErr *models.GraphError
	if errors.As(err, &graphErr) {
		attrs = append(attrs,
			attribute.String(ErrorSeverityKey, string(graphErr.Severity)),
		)

		if graphErr.NodeID != "" {
			attrs = append(attrs, attribute.String(NodeIDKey, graphErr.NodeID))
		}
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}
