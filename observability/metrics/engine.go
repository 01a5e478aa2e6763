package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EngineMetrics struct {
	evaluations       *prometheus.CounterVec
	componentFailures *prometheus.CounterVec
	ledgerEntries     *prometheus.CounterVec
	ledgerAmount      *prometheus.CounterVec
	closingRuns       *prometheus.CounterVec
	closingDuration   *prometheus.HistogramVec
}

var (
	engineOnce     sync.Once
	engineRegistry *EngineMetrics
)

// Engine returns the process-wide compensation engine collectors,
// registered on the default Prometheus registry on first use.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sigma_evaluations_total",
				Help: "Compensation evaluations by outcome (complete, partial, failed).",
			}, []string{"outcome"}),
			componentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sigma_component_failures_total",
				Help: "Bonus calculator failures by component.",
			}, []string{"component"}),
			ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sigma_ledger_entries_total",
				Help: "Ledger entries recorded by bonus type.",
			}, []string{"type"}),
			ledgerAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sigma_ledger_amount_total",
				Help: "Sum of recorded ledger amounts by bonus type.",
			}, []string{"type"}),
			closingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sigma_closing_runs_total",
				Help: "Closing runs by kind and status.",
			}, []string{"kind", "status"}),
			closingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "sigma_closing_duration_seconds",
				Help:    "Duration of closing runs.",
				Buckets: prometheus.DefBuckets,
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			engineRegistry.evaluations,
			engineRegistry.componentFailures,
			engineRegistry.ledgerEntries,
			engineRegistry.ledgerAmount,
			engineRegistry.closingRuns,
			engineRegistry.closingDuration,
		)
	})
	return engineRegistry
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func (m *EngineMetrics) ObserveEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(label(outcome)).Inc()
}

func (m *EngineMetrics) ObserveComponentFailure(component string) {
	if m == nil {
		return
	}
	m.componentFailures.WithLabelValues(label(component)).Inc()
}

func (m *EngineMetrics) ObserveLedgerEntry(bonusType string, amount float64) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(label(bonusType)).Inc()
	if amount > 0 {
		m.ledgerAmount.WithLabelValues(label(bonusType)).Add(amount)
	}
}

func (m *EngineMetrics) ObserveClosing(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.closingRuns.WithLabelValues(label(kind), label(status)).Inc()
	m.closingDuration.WithLabelValues(label(kind)).Observe(elapsed.Seconds())
}
