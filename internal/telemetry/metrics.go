// Package telemetry holds the OpenTelemetry instruments of the flow
// coordinator and a tracing decorator for the flow store.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scopeName = "migration-flows/backend"

// Metrics counts mutation outcomes. A nil *Metrics records nothing.
type Metrics struct {
	mutations    metric.Int64Counter
	conflicts    metric.Int64Counter
	dropped      metric.Int64Counter
	rejectedKeys metric.Int64Counter
}

// NewMetrics registers the coordinator instruments on meter. A nil meter
// falls back to the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(scopeName)
	}
	mutations, err := meter.Int64Counter("flows.mutations",
		metric.WithDescription("Flow mutations by operation, write class and outcome"),
	)
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("flows.conflicts",
		metric.WithDescription("Conditional writes that lost an optimistic concurrency race"),
	)
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("flows.dropped_writes",
		metric.WithDescription("Best-effort writes discarded before reaching storage"),
	)
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("flows.rejected_metric_keys",
		metric.WithDescription("Performance metric keys outside the allow-list"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		mutations:    mutations,
		conflicts:    conflicts,
		dropped:      dropped,
		rejectedKeys: rejected,
	}, nil
}

// NewNopMetrics returns instruments bound to a no-op meter.
func NewNopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(scopeName))
	return m
}

// RecordMutation counts one finished mutation.
func (m *Metrics) RecordMutation(ctx context.Context, op, class, outcome string) {
	if m == nil {
		return
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flows.op", op),
		attribute.String("flows.write_class", class),
		attribute.String("flows.outcome", outcome),
	))
}

// RecordConflict counts a lost race.
func (m *Metrics) RecordConflict(ctx context.Context, op, class string) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flows.op", op),
		attribute.String("flows.write_class", class),
	))
}

// RecordDropped counts a best-effort write discarded for reason.
func (m *Metrics) RecordDropped(ctx context.Context, op, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flows.op", op),
		attribute.String("flows.reason", reason),
	))
}

// RecordRejectedKeys counts metric keys dropped by the allow-list.
func (m *Metrics) RecordRejectedKeys(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rejectedKeys.Add(ctx, int64(n))
}
