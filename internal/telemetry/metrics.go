package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics groups the lifecycle counters emitted by the core.
type EngineMetrics struct {
	eventsApplied     metric.Int64Counter
	duplicatesDropped metric.Int64Counter
	transitionErrors  metric.Int64Counter
	reorderReleases   metric.Int64Counter
	skippedEvents     metric.Int64Counter
	reconfigurations  metric.Int64Counter
}

// NewEngineMetrics registers the engine instruments on the global meter.
func NewEngineMetrics() *EngineMetrics {
	meter := otel.Meter("engine")
	m := new(EngineMetrics)
	m.eventsApplied, _ = meter.Int64Counter("engine.events.applied",
		metric.WithDescription("Exchange events applied to the order store"),
		metric.WithUnit("{event}"))
	m.duplicatesDropped, _ = meter.Int64Counter("engine.events.duplicates",
		metric.WithDescription("Exchange events dropped as idempotency-key duplicates"),
		metric.WithUnit("{event}"))
	m.transitionErrors, _ = meter.Int64Counter("engine.events.rejected",
		metric.WithDescription("Exchange events rejected by the order state machine"),
		metric.WithUnit("{event}"))
	m.reorderReleases, _ = meter.Int64Counter("engine.reorder.releases",
		metric.WithDescription("Events released from the reordering window past the lateness tolerance"),
		metric.WithUnit("{event}"))
	m.skippedEvents, _ = meter.Int64Counter("engine.disposition.skipped",
		metric.WithDescription("Events the disposition executor skipped as stale"),
		metric.WithUnit("{event}"))
	m.reconfigurations, _ = meter.Int64Counter("engine.reconfigurations",
		metric.WithDescription("Completed configuration swaps"),
		metric.WithUnit("{swap}"))
	return m
}

func (m *EngineMetrics) add(ctx context.Context, counter metric.Int64Counter, account string) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("account", account)))
}

// EventApplied records one applied exchange event.
func (m *EngineMetrics) EventApplied(ctx context.Context, account string) {
	if m == nil {
		return
	}
	m.add(ctx, m.eventsApplied, account)
}

// DuplicateDropped records one dropped duplicate event.
func (m *EngineMetrics) DuplicateDropped(ctx context.Context, account string) {
	if m == nil {
		return
	}
	m.add(ctx, m.duplicatesDropped, account)
}

// TransitionRejected records one event rejected by the state machine.
func (m *EngineMetrics) TransitionRejected(ctx context.Context, account string) {
	if m == nil {
		return
	}
	m.add(ctx, m.transitionErrors, account)
}

// ReorderRelease records one late release from the reordering window.
func (m *EngineMetrics) ReorderRelease(ctx context.Context, account string) {
	if m == nil {
		return
	}
	m.add(ctx, m.reorderReleases, account)
}

// EventSkipped records one stale event skipped by the disposition executor.
func (m *EngineMetrics) EventSkipped(ctx context.Context, account string) {
	if m == nil {
		return
	}
	m.add(ctx, m.skippedEvents, account)
}

// Reconfigured records one completed configuration swap.
func (m *EngineMetrics) Reconfigured(ctx context.Context) {
	if m == nil || m.reconfigurations == nil {
		return
	}
	m.reconfigurations.Add(ctx, 1)
}
