// Package metrics holds the Prometheus collectors for schedule generation and
// payment reconciliation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	LoansActivated      prometheus.Counter
	PaymentsRecorded    *prometheus.CounterVec
	Reconciliations     *prometheus.CounterVec
	LoansCompleted      prometheus.Counter
	ReconcileDuration   prometheus.Histogram
	OverdueInstallments prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoansActivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "emiledger",
			Name:      "loans_activated_total",
			Help:      "Loans activated with a generated installment schedule.",
		}),
		PaymentsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emiledger",
			Name:      "payments_recorded_total",
			Help:      "Payments appended to a loan, by method.",
		}, []string{"method"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emiledger",
			Name:      "reconciliations_total",
			Help:      "Reconciliation runs, by outcome.",
		}, []string{"outcome"}),
		LoansCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "emiledger",
			Name:      "loans_completed_total",
			Help:      "Loans moved from active to completed.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "emiledger",
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent loading, reconciling and persisting one loan.",
			Buckets:   prometheus.DefBuckets,
		}),
		OverdueInstallments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "emiledger",
			Name:      "overdue_installments",
			Help:      "Overdue installments across active and defaulted loans after the last sweep.",
		}),
	}
	reg.MustRegister(
		m.LoansActivated,
		m.PaymentsRecorded,
		m.Reconciliations,
		m.LoansCompleted,
		m.ReconcileDuration,
		m.OverdueInstallments,
	)
	return m
}
