package speech

import (
	"context"
	"time"

	"github.com/loqalabs/alfabeto/internal/pronunciation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/alfabeto/speech"

type metrics struct {
	sessions    metric.Int64Counter
	attempts    metric.Int64Counter
	statuses    metric.Int64Counter
	timeToStart metric.Float64Histogram
	active      metric.Int64ObservableGauge
}

func newMetrics(o *Orchestrator) (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error
	if m.sessions, err = meter.Int64Counter("alfabeto.speech.sessions",
		metric.WithDescription("Speak requests accepted")); err != nil {
		return nil, err
	}
	if m.attempts, err = meter.Int64Counter("alfabeto.speech.attempts",
		metric.WithDescription("Backend attempts by backend and outcome")); err != nil {
		return nil, err
	}
	if m.statuses, err = meter.Int64Counter("alfabeto.speech.status",
		metric.WithDescription("Status events reported to listeners")); err != nil {
		return nil, err
	}
	if m.timeToStart, err = meter.Float64Histogram("alfabeto.speech.time_to_start",
		metric.WithDescription("Time from speak request to audible start"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64ObservableGauge("alfabeto.speech.active",
		metric.WithDescription("1 while a session is active")); err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var v int64
		if _, ok := o.guard.Active(); ok {
			v = 1
		}
		obs.ObserveInt64(m.active, v)
		return nil
	}, m.active)
	return m, err
}

func (m *metrics) session(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1)
}

func (m *metrics) attempt(ctx context.Context, b pronunciation.Backend, outcome Outcome) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", string(b)),
		attribute.String("outcome", string(outcome)),
	))
}

func (m *metrics) status(ctx context.Context, st Status) {
	if m == nil {
		return
	}
	m.statuses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(st.Type)),
		attribute.String("reason", string(st.Reason)),
	))
}

func (m *metrics) started(ctx context.Context, b pronunciation.Backend, since time.Duration) {
	if m == nil {
		return
	}
	m.timeToStart.Record(ctx, since.Seconds(), metric.WithAttributes(attribute.String("backend", string(b))))
}
