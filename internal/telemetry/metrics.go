package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for every relay instrument.
const MeterName = "collab-canvas"

// RelayMetrics counts relay traffic. A nil *RelayMetrics is valid and
// records nothing.
type RelayMetrics struct {
	events     metric.Int64Counter
	broadcasts metric.Int64Counter
	dropped    metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewRelayMetrics creates the relay instruments on meter. A nil meter uses
// the global provider.
func NewRelayMetrics(meter metric.Meter) (*RelayMetrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}

	events, err := meter.Int64Counter("relay_events_total",
		metric.WithDescription("Inbound relay events by type"))
	if err != nil {
		return nil, err
	}
	broadcasts, err := meter.Int64Counter("relay_broadcasts_total",
		metric.WithDescription("Outbound messages enqueued by event type"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("relay_dropped_events_total",
		metric.WithDescription("Inbound events dropped or outbound messages not delivered"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("relay_event_duration_seconds",
		metric.WithDescription("Time spent handling one inbound event"))
	if err != nil {
		return nil, err
	}

	return &RelayMetrics{
		events:     events,
		broadcasts: broadcasts,
		dropped:    dropped,
		duration:   duration,
	}, nil
}

// Event records one handled inbound event and its handling time.
func (m *RelayMetrics) Event(ctx context.Context, event string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("event", event))
	m.events.Add(ctx, 1, attrs)
	m.duration.Record(ctx, took.Seconds(), attrs)
}

// Broadcast records recipients messages of the given event type.
func (m *RelayMetrics) Broadcast(ctx context.Context, event string, recipients int) {
	if m == nil || recipients == 0 {
		return
	}
	m.broadcasts.Add(ctx, int64(recipients), metric.WithAttributes(attribute.String("event", event)))
}

// Dropped records one event dropped for reason.
func (m *RelayMetrics) Dropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
