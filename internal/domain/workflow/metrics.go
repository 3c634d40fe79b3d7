package workflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/ehr/patientflow/internal/domain/workflow"

type metrics struct {
	records  metric.Int64Counter
	attempts metric.Int64Counter
}

// newMetrics binds to the global meter provider, which is a no-op until one
// is installed.
func newMetrics() *metrics {
	meter := otel.Meter(meterName)
	m := &metrics{}
	var err error
	if m.records, err = meter.Int64Counter("patientflow.progression.records",
		metric.WithDescription("Progression records written on invoice settlement")); err != nil {
		m.records = noop.Int64Counter{}
	}
	if m.attempts, err = meter.Int64Counter("patientflow.progression.attempts",
		metric.WithDescription("Progression dispatch attempts by resulting status")); err != nil {
		m.attempts = noop.Int64Counter{}
	}
	return m
}

func (m *metrics) recorded(ctx context.Context, r *Record) {
	m.records.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", string(r.Origin.Kind))))
}

func (m *metrics) attempted(ctx context.Context, r *Record) {
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("origin", string(r.Origin.Kind)),
		attribute.String("status", string(r.Status)),
	))
}
