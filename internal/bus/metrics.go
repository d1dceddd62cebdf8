package bus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dyluth/tailor/internal/bus"

type metrics struct {
	backend         attribute.KeyValue
	published       metric.Int64Counter
	publishFailures metric.Int64Counter
	reclaimed       metric.Int64Counter
	handlerFailures metric.Int64Counter
}

// newMetrics registers the bus counters on the global meter provider. The
// default provider is a no-op until an SDK is installed.
func newMetrics(backend string) *metrics {
	meter := otel.Meter(meterName)
	m := &metrics{backend: attribute.String("backend", backend)}
	m.published, _ = meter.Int64Counter("bus.messages.published",
		metric.WithDescription("Messages accepted by the bus"))
	m.publishFailures, _ = meter.Int64Counter("bus.publish.failures",
		metric.WithDescription("Messages the backend failed to persist"))
	m.reclaimed, _ = meter.Int64Counter("bus.messages.reclaimed",
		metric.WithDescription("Idle deliveries reclaimed for redelivery"))
	m.handlerFailures, _ = meter.Int64Counter("bus.handler.failures",
		metric.WithDescription("Handler calls that returned an error"))
	return m
}

func (m *metrics) add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(append(attrs, m.backend)...))
}
