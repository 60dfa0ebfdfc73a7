// Package otel provides metric instruments, span helpers and tracing setup.
// The tracer is a no-op until an OTLP exporter is configured in deployment.
package otel

import (
	"context"
	"log/slog"
)

// ShutdownFunc is called to flush and shut down the trace provider.
type ShutdownFunc func(ctx context.Context) error

// InitTracer returns a no-op shutdown function. Deployments that want
// exported traces configure a TracerProvider before serving.
func InitTracer(serviceName string) ShutdownFunc {
	slog.Info("tracing initialized", "service", serviceName)
	return func(_ context.Context) error {
		return nil
	}
}
