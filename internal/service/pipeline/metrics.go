package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

type metrics struct {
	runs     metric.Int64Counter
	duration metric.Float64Histogram
	attempts metric.Int64Counter
	rejected metric.Int64Counter
}

// newMetrics creates the pipeline instruments. Instruments that fail to
// register stay nil and are skipped.
func newMetrics(p *Processor) *metrics {
	meter := telemetry.Meter("kensa/pipeline")
	m := &metrics{}

	if c, err := meter.Int64Counter("kensa.pipeline.runs",
		metric.WithDescription("Pipeline runs by terminal status and verdict")); err == nil {
		m.runs = c
	}
	if h, err := meter.Float64Histogram("kensa.pipeline.duration",
		metric.WithDescription("Pipeline run wall time"),
		metric.WithUnit("ms")); err == nil {
		m.duration = h
	}
	if c, err := meter.Int64Counter("kensa.moderation.attempts",
		metric.WithDescription("Moderation backend calls per run by outcome")); err == nil {
		m.attempts = c
	}
	if c, err := meter.Int64Counter("kensa.admission.rejected",
		metric.WithDescription("Requests rejected because the admission queue was full")); err == nil {
		m.rejected = c
	}

	_, _ = meter.Int64ObservableGauge("kensa.moderation.in_flight",
		metric.WithDescription("Moderation calls currently holding a semaphore slot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.guard.InFlight())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kensa.admission.in_flight",
		metric.WithDescription("Runs currently admitted"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.InFlight()))
			return nil
		}),
	)
	return m
}

func (m *metrics) recordRun(ctx context.Context, run *model.PipelineRun) {
	attrs := []attribute.KeyValue{attribute.String("status", string(run.Status))}
	if run.Verdict != nil {
		attrs = append(attrs, attribute.String("verdict", string(run.Verdict.Kind)))
		if run.Verdict.Error != "" {
			attrs = append(attrs, attribute.String("error_kind", string(run.Verdict.Error)))
		}
	}
	if run.MediaSummary != nil {
		attrs = append(attrs, attribute.String("media_kind", string(run.MediaSummary.Kind)))
	}
	opt := metric.WithAttributes(attrs...)
	if m.runs != nil {
		m.runs.Add(ctx, 1, opt)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(run.Duration().Microseconds())/1000.0, opt)
	}
}

func (m *metrics) recordModeration(ctx context.Context, attempts int, outcome string) {
	if m.attempts != nil {
		m.attempts.Add(ctx, int64(attempts), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *metrics) recordRejected(ctx context.Context) {
	if m.rejected != nil {
		m.rejected.Add(ctx, 1)
	}
}
