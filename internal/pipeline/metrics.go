package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics holds the orchestrator's counters. A nil *Metrics records
// nothing, so callers never have to guard.
type Metrics struct {
	runs        otelmetric.Int64Counter
	stageErrors otelmetric.Int64Counter
	tokens      otelmetric.Int64Counter
}

// NewMetrics registers the pipeline counters on meter.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	runs, err := meter.Int64Counter("briefd.pipeline.runs",
		otelmetric.WithDescription("Pipeline runs by final status."))
	if err != nil {
		return nil, err
	}
	stageErrors, err := meter.Int64Counter("briefd.pipeline.stage_errors",
		otelmetric.WithDescription("Stage failures by stage name."))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("briefd.pipeline.tokens_spent",
		otelmetric.WithDescription("Provider tokens spent by runs."))
	if err != nil {
		return nil, err
	}
	return &Metrics{runs: runs, stageErrors: stageErrors, tokens: tokens}, nil
}

func (m *Metrics) recordRun(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.runs.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) recordStageError(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.stageErrors.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) recordTokens(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.Add(ctx, n)
}
