package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "botforge"

// StartRunSpan starts a span covering a run's dispatch lifecycle.
func StartRunSpan(ctx context.Context, runID, botID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("bot.id", botID),
		),
	)
}

// StartAssignSpan starts a span for assigning a claimed run to a runner.
func StartAssignSpan(ctx context.Context, runID, runnerID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "assign",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("runner.id", runnerID),
		),
	)
}

// StartTickSpan starts a span for one scheduler tick pass.
func StartTickSpan(ctx context.Context, pass string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tick",
		trace.WithAttributes(
			attribute.String("tick.pass", pass),
		),
	)
}
