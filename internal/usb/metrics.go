package usb

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

const namespace = "esclbridge_usb"

type tunnelMetrics struct {
	bytesOut       metric.Int64Counter
	bytesIn        metric.Int64Counter
	transferErrors metric.Int64Counter
}

func newTunnelMetrics(mp metric.MeterProvider) (*tunnelMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(tunnelMetrics)
	var err error

	if m.bytesOut, err = meter.Int64Counter(
		"bulk_out_bytes_total",
		metric.WithDescription("Total number of bytes written to bulk-out endpoints"),
	); err != nil {
		return nil, err
	}

	if m.bytesIn, err = meter.Int64Counter(
		"bulk_in_bytes_total",
		metric.WithDescription("Total number of bytes read from bulk-in endpoints"),
	); err != nil {
		return nil, err
	}

	if m.transferErrors, err = meter.Int64Counter(
		"transfer_errors_total",
		metric.WithDescription("Total number of failed request relays"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *tunnelMetrics) sent(ctx context.Context, n int) {
	if n > 0 {
		m.bytesOut.Add(ctx, int64(n))
	}
}

func (m *tunnelMetrics) received(ctx context.Context, n int) {
	m.bytesIn.Add(ctx, int64(n))
}

func (m *tunnelMetrics) failed(ctx context.Context) {
	m.transferErrors.Add(ctx, 1)
}
