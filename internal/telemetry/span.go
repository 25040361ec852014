package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the global tracer for the monitor's scope.
func Tracer() trace.Tracer {
	return otel.Tracer(ScopeName)
}

// Step runs fn inside a child span named id and records its error.
// A nil tracer runs fn without a span.
func Step(ctx context.Context, tracer trace.Tracer, id string, fn func(context.Context) error) error {
	if tracer == nil {
		return fn(ctx)
	}
	stepCtx, span := tracer.Start(ctx, id)
	defer span.End()

	if err := fn(stepCtx); err != nil {
		RecordError(span, err)
		return err
	}
	return nil
}

// RecordError marks span failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
}
