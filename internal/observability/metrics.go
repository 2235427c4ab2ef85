package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger engine and the
// margin position manager. Components accept a nil *Metrics so unit
// tests skip registration entirely.
type Metrics struct {
	// --- Ledger ---
	JournalsPosted       prometheus.Counter
	JournalsRejected     *prometheus.CounterVec
	JournalsDeduplicated prometheus.Counter
	HoldsCreated         prometheus.Counter
	HoldsReleased        prometheus.Counter
	HoldsExpired         prometheus.Counter
	LedgerOpDuration     *prometheus.HistogramVec

	// --- Margin ---
	PositionsOpened     prometheus.Counter
	PositionsClosed     prometheus.Counter
	PositionsLiquidated prometheus.Counter
	MarginCalls         prometheus.Counter
	OpenPositions       prometheus.Gauge
	MarginOpDuration    *prometheus.HistogramVec

	// --- Sweeps ---
	SweepDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		JournalsPosted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_journals_posted_total",
			Help: "Journal entries committed",
		}),

		JournalsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_journals_rejected_total",
			Help: "Journal entries rejected (validation, unbalanced, insufficient balance)",
		}, []string{"reason"}),

		JournalsDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_journals_deduplicated_total",
			Help: "Postings answered from a prior entry via idempotency key",
		}),

		HoldsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_holds_created_total",
			Help: "Holds placed against available balances",
		}),

		HoldsReleased: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_holds_released_total",
			Help: "Holds explicitly released",
		}),

		HoldsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_holds_expired_total",
			Help: "Holds expired by deadline (lazy or sweep)",
		}),

		LedgerOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Time spent in ledger engine operations",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		PositionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_positions_opened_total",
			Help: "Margin positions opened",
		}),

		PositionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_positions_closed_total",
			Help: "Margin positions closed by their owner",
		}),

		PositionsLiquidated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_positions_liquidated_total",
			Help: "Margin positions force-closed by liquidation",
		}),

		MarginCalls: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_calls_total",
			Help: "Margin accounts entering margin call",
		}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_open_positions",
			Help: "Currently open margin positions",
		}),

		MarginOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_operation_duration_seconds",
			Help:    "Time spent in margin manager operations",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		SweepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of periodic sweeps",
			Buckets: latencyBuckets,
		}, []string{"sweep"}),
	}
}
