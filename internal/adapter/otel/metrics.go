package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "botforge"

// Metrics holds all BotForge metric instruments.
type Metrics struct {
	RunsCreated   metric.Int64Counter
	RunsCompleted metric.Int64Counter
	RunsFailed    metric.Int64Counter
	RunsTimedOut  metric.Int64Counter
	RunsCancelled metric.Int64Counter
	RunsRetried   metric.Int64Counter

	QueueDepth    metric.Int64UpDownCounter
	QueueWaitTime metric.Float64Histogram
	RunDuration   metric.Float64Histogram

	RunnersOnline metric.Int64UpDownCounter
	JobsAssigned  metric.Int64Counter
	BusDropped    metric.Int64Counter

	HitlRequested metric.Int64Counter
	HitlResolved  metric.Int64Counter
	HitlExpired   metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsCreated, err = meter.Int64Counter("botforge.runs.created",
		metric.WithDescription("Number of runs created"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("botforge.runs.completed",
		metric.WithDescription("Number of runs that reached succeeded"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("botforge.runs.failed",
		metric.WithDescription("Number of runs that reached failed or rejected"))
	if err != nil {
		return nil, err
	}

	m.RunsTimedOut, err = meter.Int64Counter("botforge.runs.timed_out",
		metric.WithDescription("Number of runs forcibly timed out"))
	if err != nil {
		return nil, err
	}

	m.RunsCancelled, err = meter.Int64Counter("botforge.runs.cancelled",
		metric.WithDescription("Number of runs cancelled"))
	if err != nil {
		return nil, err
	}

	m.RunsRetried, err = meter.Int64Counter("botforge.runs.retried",
		metric.WithDescription("Number of retry attempts scheduled"))
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("botforge.queue.depth",
		metric.WithDescription("Current number of queued runs"))
	if err != nil {
		return nil, err
	}

	m.QueueWaitTime, err = meter.Float64Histogram("botforge.queue.wait_seconds",
		metric.WithDescription("Time from enqueue to lease in seconds"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("botforge.run.duration_seconds",
		metric.WithDescription("Run execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.RunnersOnline, err = meter.Int64UpDownCounter("botforge.runners.online",
		metric.WithDescription("Number of connected runners"))
	if err != nil {
		return nil, err
	}

	m.JobsAssigned, err = meter.Int64Counter("botforge.jobs.assigned",
		metric.WithDescription("Number of jobs assigned to runners"))
	if err != nil {
		return nil, err
	}

	m.BusDropped, err = meter.Int64Counter("botforge.bus.dropped",
		metric.WithDescription("Event bus envelopes dropped on full buffers"))
	if err != nil {
		return nil, err
	}

	m.HitlRequested, err = meter.Int64Counter("botforge.hitl.requested",
		metric.WithDescription("Number of approval requests created"))
	if err != nil {
		return nil, err
	}

	m.HitlResolved, err = meter.Int64Counter("botforge.hitl.resolved",
		metric.WithDescription("Number of approval requests resolved by a human"))
	if err != nil {
		return nil, err
	}

	m.HitlExpired, err = meter.Int64Counter("botforge.hitl.expired",
		metric.WithDescription("Number of approval requests auto-expired"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
