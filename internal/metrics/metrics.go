package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the loan lifecycle instruments
type Metrics struct {
	LoansIssued    prometheus.Counter
	LoansReturned  prometheus.Counter
	PenaltyCharged prometheus.Counter
	OpenLoans      prometheus.Gauge
	TxConflicts    prometheus.Counter
}

// New registers the loan metrics with the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LoansIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "library_loans_issued_total",
			Help: "Number of loans successfully issued",
		}),
		LoansReturned: factory.NewCounter(prometheus.CounterOpts{
			Name: "library_loans_returned_total",
			Help: "Number of loans successfully returned",
		}),
		PenaltyCharged: factory.NewCounter(prometheus.CounterOpts{
			Name: "library_penalty_cents_total",
			Help: "Cumulative penalty charged at return time, in cents",
		}),
		OpenLoans: factory.NewGauge(prometheus.GaugeOpts{
			Name: "library_open_loans",
			Help: "Loans currently open",
		}),
		TxConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "library_tx_conflicts_total",
			Help: "Loan transactions retried after a serialization conflict",
		}),
	}
}
