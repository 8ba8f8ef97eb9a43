// Package telemetry exposes the service's counters through OpenTelemetry.
// All methods are nil-receiver safe so tests and tooling can pass a nil
// *Metrics and skip instrumentation entirely.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/convogrid/convogrid"

// Metrics bundles the counters the engine and orchestrator record.
type Metrics struct {
	flowStarts     metric.Int64Counter
	flowDone       metric.Int64Counter
	flowFailures   metric.Int64Counter
	loopCapHits    metric.Int64Counter
	dedupDrops     metric.Int64Counter
	executorCalls  metric.Int64Counter
	executorTimeMs metric.Float64Histogram
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.flowStarts, err = meter.Int64Counter("convogrid.flow.starts",
		metric.WithDescription("Flow runs started")); err != nil {
		return nil, fmt.Errorf("registering flow.starts: %w", err)
	}
	if m.flowDone, err = meter.Int64Counter("convogrid.flow.completions",
		metric.WithDescription("Flow runs completed")); err != nil {
		return nil, fmt.Errorf("registering flow.completions: %w", err)
	}
	if m.flowFailures, err = meter.Int64Counter("convogrid.flow.failures",
		metric.WithDescription("Flow runs failed, by error kind")); err != nil {
		return nil, fmt.Errorf("registering flow.failures: %w", err)
	}
	if m.loopCapHits, err = meter.Int64Counter("convogrid.engine.loop_cap_hits",
		metric.WithDescription("Auto-advance loop cap trips")); err != nil {
		return nil, fmt.Errorf("registering engine.loop_cap_hits: %w", err)
	}
	if m.dedupDrops, err = meter.Int64Counter("convogrid.router.dedup_drops",
		metric.WithDescription("Inbound messages dropped as duplicates")); err != nil {
		return nil, fmt.Errorf("registering router.dedup_drops: %w", err)
	}
	if m.executorCalls, err = meter.Int64Counter("convogrid.executor.calls",
		metric.WithDescription("Executor invocations, by executor and outcome")); err != nil {
		return nil, fmt.Errorf("registering executor.calls: %w", err)
	}
	if m.executorTimeMs, err = meter.Float64Histogram("convogrid.executor.duration_ms",
		metric.WithDescription("Executor invocation duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("registering executor.duration_ms: %w", err)
	}
	return m, nil
}

// FlowStarted records one started run.
func (m *Metrics) FlowStarted(ctx context.Context, flowID string) {
	if m == nil {
		return
	}
	m.flowStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("flow_id", flowID)))
}

// FlowCompleted records one completed run.
func (m *Metrics) FlowCompleted(ctx context.Context, flowID string) {
	if m == nil {
		return
	}
	m.flowDone.Add(ctx, 1, metric.WithAttributes(attribute.String("flow_id", flowID)))
}

// FlowFailed records one failed run with its error kind.
func (m *Metrics) FlowFailed(ctx context.Context, flowID, kind string) {
	if m == nil {
		return
	}
	m.flowFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow_id", flowID),
		attribute.String("kind", kind)))
}

// LoopCapHit records one auto-advance cap trip.
func (m *Metrics) LoopCapHit(ctx context.Context, flowID string) {
	if m == nil {
		return
	}
	m.loopCapHits.Add(ctx, 1, metric.WithAttributes(attribute.String("flow_id", flowID)))
}

// DedupDrop records one duplicate inbound message drop.
func (m *Metrics) DedupDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.dedupDrops.Add(ctx, 1)
}

// ExecutorCall records one executor invocation.
func (m *Metrics) ExecutorCall(ctx context.Context, name string, durationMs int64, ok bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("executor", name),
		attribute.Bool("ok", ok))
	m.executorCalls.Add(ctx, 1, attrs)
	m.executorTimeMs.Record(ctx, float64(durationMs), attrs)
}
