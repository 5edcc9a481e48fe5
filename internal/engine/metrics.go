package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"tradegate/internal/domain"
)

type metrics struct {
	submittedC metric.Int64Counter
	finishedC  metric.Int64Counter
	degradedC  metric.Int64Counter
	conflictC  metric.Int64Counter
	fatalC     metric.Int64Counter
	notifyC    metric.Int64Counter
	duration   metric.Float64Histogram
}

func newMetrics(m metric.Meter) (*metrics, error) {
	if m == nil {
		m = noop.NewMeterProvider().Meter("tradegate/engine")
	}
	var (
		out metrics
		err error
	)
	if out.submittedC, err = m.Int64Counter("tradegate.attempts.submitted",
		metric.WithDescription("Trade attempts accepted.")); err != nil {
		return nil, err
	}
	if out.finishedC, err = m.Int64Counter("tradegate.attempts.finished",
		metric.WithDescription("Trade attempts that reached a terminal state.")); err != nil {
		return nil, err
	}
	if out.degradedC, err = m.Int64Counter("tradegate.providers.degraded",
		metric.WithDescription("Leaf provider calls that came back unavailable.")); err != nil {
		return nil, err
	}
	if out.conflictC, err = m.Int64Counter("tradegate.ledger.conflicts",
		metric.WithDescription("Ledger applies retried after a concurrent write.")); err != nil {
		return nil, err
	}
	if out.fatalC, err = m.Int64Counter("tradegate.attempts.fatal",
		metric.WithDescription("Attempts halted by an audit or ledger integrity failure.")); err != nil {
		return nil, err
	}
	if out.notifyC, err = m.Int64Counter("tradegate.notifications.failed",
		metric.WithDescription("Supervisor alerts that could not be delivered.")); err != nil {
		return nil, err
	}
	if out.duration, err = m.Float64Histogram("tradegate.attempt.duration",
		metric.WithDescription("Time from submission to terminal state."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *metrics) submitted(ctx context.Context) { m.submittedC.Add(ctx, 1) }

func (m *metrics) finished(ctx context.Context, state domain.State, code string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("state", string(state)),
		attribute.String("outcome", code),
	)
	m.finishedC.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *metrics) degraded(ctx context.Context, provider string) {
	m.degradedC.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *metrics) conflict(ctx context.Context)     { m.conflictC.Add(ctx, 1) }
func (m *metrics) fatal(ctx context.Context)        { m.fatalC.Add(ctx, 1) }
func (m *metrics) notifyFailed(ctx context.Context) { m.notifyC.Add(ctx, 1) }
