package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mzyy94/esclbridge/internal/escl"
)

const namespace = "esclbridge_engine"

// metrics is safe to use as a nil pointer; every method is then a no-op.
type metrics struct {
	jobsCreated      metric.Int64Counter
	transitions      metric.Int64Counter
	devicesPublished metric.Int64UpDownCounter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(metrics)
	var err error

	if m.jobsCreated, err = meter.Int64Counter(
		"jobs_created_total",
		metric.WithDescription("Total number of scan jobs created"),
	); err != nil {
		return nil, err
	}

	if m.transitions, err = meter.Int64Counter(
		"status_transitions_total",
		metric.WithDescription("Total number of job status transitions"),
	); err != nil {
		return nil, err
	}

	if m.devicesPublished, err = meter.Int64UpDownCounter(
		"devices_published",
		metric.WithDescription("Number of devices currently served"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metrics) jobCreated(ctx context.Context, driver string) {
	if m == nil {
		return
	}
	m.jobsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("driver", driver)))
}

func (m *metrics) transition(ctx context.Context, driver string, t escl.StatusTransition) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("driver", driver),
		attribute.String("transition", t.String()),
	))
}

func (m *metrics) devicePublished(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.devicesPublished.Add(ctx, delta)
}
