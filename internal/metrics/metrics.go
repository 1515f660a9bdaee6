// Package metrics exposes the coordinator's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

const namespace = "arbitrageur"

// Metrics implements coordinator.Observer.
type Metrics struct {
	Cycles            *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	SourcesSkipped    *prometheus.CounterVec
	Opportunities     prometheus.Counter
	BestNetProfit     prometheus.Gauge
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	RealizedProfit    prometheus.Counter
	GasSpent          prometheus.Counter
	LockHeld          prometheus.Gauge
	SourceCircuit     *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Scan cycles by result.",
		}, []string{"result"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one scan cycle.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5},
		}),
		SourcesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_skips_total",
			Help:      "Source fetches skipped in a cycle, by source and reason.",
		}, []string{"source", "reason"}),
		Opportunities: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_total",
			Help:      "Opportunities that cleared the profit floor.",
		}),
		BestNetProfit: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_net_profit_usd",
			Help:      "Net profit of the best opportunity in the last cycle that found one.",
		}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Settled execution attempts by outcome and failure class.",
		}, []string{"outcome", "class"}),
		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Time from dispatch to settlement.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"outcome"}),
		RealizedProfit: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_profit_usd_total",
			Help:      "Sum of realized net profit over successful attempts.",
		}),
		GasSpent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gas_spent_usd_total",
			Help:      "Gas paid by included transactions, in USD.",
		}),
		LockHeld: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "execution_lock_held",
			Help:      "1 while the execution lock is held.",
		}),
		SourceCircuit: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_circuit_state",
			Help:      "Breaker state per source: 0 closed, 1 half-open, 2 open.",
		}, []string{"source", "chain"}),
	}
}

// ObserveCycle records one cycle report.
func (m *Metrics) ObserveCycle(r domain.CycleReport) {
	m.Cycles.WithLabelValues(string(r.Result)).Inc()
	m.CycleDuration.Observe(r.Duration.Seconds())
	for _, s := range r.Skipped {
		m.SourcesSkipped.WithLabelValues(s.Source, string(s.Reason)).Inc()
	}
	if r.Opportunities > 0 {
		m.Opportunities.Add(float64(r.Opportunities))
		m.BestNetProfit.Set(r.BestNetProfit)
	}
}

// ObserveSources records per-source breaker state.
func (m *Metrics) ObserveSources(statuses []domain.SourceStatus) {
	for _, s := range statuses {
		m.SourceCircuit.WithLabelValues(s.ID, string(s.Chain)).Set(circuitValue(s.Circuit))
	}
}

// ObserveSettlement records a settled attempt.
func (m *Metrics) ObserveSettlement(a domain.ExecutionAttempt, elapsed time.Duration) {
	m.Executions.WithLabelValues(string(a.Outcome), string(a.FailureKind)).Inc()
	m.ExecutionDuration.WithLabelValues(string(a.Outcome)).Observe(elapsed.Seconds())
	if a.Outcome == domain.OutcomeSuccess {
		m.RealizedProfit.Add(a.RealizedNetProfit)
	}
	if a.RealizedGasCost > 0 {
		m.GasSpent.Add(a.RealizedGasCost)
	}
}

// ObserveLock records the execution lock state.
func (m *Metrics) ObserveLock(held bool) {
	if held {
		m.LockHeld.Set(1)
		return
	}
	m.LockHeld.Set(0)
}

func circuitValue(s domain.CircuitState) float64 {
	switch s {
	case domain.CircuitHalfOpen:
		return 1
	case domain.CircuitOpen:
		return 2
	}
	return 0
}
