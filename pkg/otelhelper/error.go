package otelhelper

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const ErrorTypeKey = "error.type"

// SetError marks span as failed. Cancellation is recorded as an event and
// leaves the span status unset, since a cancelled execution did not fail.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if err == nil {
		return
	}

	attrs = append(attrs, attribute.String(ErrorTypeKey, fmt.Sprintf("%T", err)))

	if errors.Is(err, context.Canceled) {
		span.AddEvent("cancelled", trace.WithAttributes(attrs...))

		return
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}
