package telemetry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/steps"
)

const namespace = "conveyor"

// Metrics — Prometheus метрики выполнения flow.
//
// Metrics реализует steps.Observer и подключается к Runner как наблюдатель
// шагов. Метки flow и step берутся из определений, поэтому их количество
// ограничено конфигурацией.
type Metrics struct {
	StepRuns      *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	StepRows      *prometheus.CounterVec
	StepsInFlight prometheus.Gauge
	FlowRuns      *prometheus.CounterVec
	FlowDuration  *prometheus.HistogramVec

	inFlight sync.Map // step run ID → struct{}
}

// NewMetrics регистрирует метрики в reg (nil — prometheus.DefaultRegisterer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		StepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_runs_total",
			Help:      "Finished step runs by outcome.",
		}, []string{"flow", "step", "status"}),

		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"flow", "step"}),

		StepRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_processed_rows_total",
			Help:      "Rows reported by successful step runs.",
		}, []string{"flow", "step"}),

		StepsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "steps_in_flight",
			Help:      "Steps currently executing.",
		}),

		FlowRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_runs_total",
			Help:      "Finished flow runs by source and outcome.",
		}, []string{"flow", "source", "status"}),

		FlowDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_duration_seconds",
			Help:      "Flow run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"flow"}),
	}
}

// BeforeStep отмечает шаг как выполняющийся.
func (m *Metrics) BeforeStep(_ context.Context, run *domain.StepRun, _ *steps.RunContext) {
	if _, loaded := m.inFlight.LoadOrStore(run.ID, struct{}{}); !loaded {
		m.StepsInFlight.Inc()
	}
}

// AfterStep учитывает завершённый шаг.
// Для отключённых шагов и шагов, упавших до запуска, BeforeStep не вызывался.
func (m *Metrics) AfterStep(_ context.Context, run *domain.StepRun, result steps.Result, _ error) {
	if _, ok := m.inFlight.LoadAndDelete(run.ID); ok {
		m.StepsInFlight.Dec()
	}

	m.StepRuns.WithLabelValues(run.FlowAlias, run.StepName, string(run.Status())).Inc()
	if run.Disabled {
		return
	}

	m.StepDuration.WithLabelValues(run.FlowAlias, run.StepName).Observe(run.Duration().Seconds())
	if result != nil {
		if rows := result.ProcessedRows(); rows != nil && *rows > 0 {
			m.StepRows.WithLabelValues(run.FlowAlias, run.StepName).Add(float64(*rows))
		}
	}
}

// FlowFinished учитывает завершённый запуск flow.
func (m *Metrics) FlowFinished(run *domain.FlowRun) {
	m.FlowRuns.WithLabelValues(run.FlowAlias, run.Source, string(run.Status)).Inc()
	if d := run.Duration(); d > 0 {
		m.FlowDuration.WithLabelValues(run.FlowAlias).Observe(d.Seconds())
	}
}

// InFlight возвращает количество шагов, для которых не было AfterStep.
func (m *Metrics) InFlight() int {
	n := 0
	m.inFlight.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

var _ steps.Observer = (*Metrics)(nil)
