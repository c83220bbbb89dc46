package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FundingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swiftbill_fundings_total",
			Help: "Total number of wallet funding transactions",
		},
		[]string{"status"},
	)

	TransfersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swiftbill_transfers_total",
			Help: "Total number of completed wallet-to-wallet transfers",
		},
	)

	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swiftbill_payments_total",
			Help: "Total number of bill payments by terminal status",
		},
		[]string{"status"},
	)

	CashbackCreditedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swiftbill_cashback_credited_total",
			Help: "Total cashback credits issued",
		},
	)

	LockAcquireFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swiftbill_lock_acquire_failures_total",
			Help: "Total wallet lock acquisitions that exhausted their wait budget",
		},
	)

	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swiftbill_scheduler_runs_total",
			Help: "Recurring payment attempts by outcome",
		},
		[]string{"result"},
	)

	ReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swiftbill_reconciled_transactions_total",
			Help: "Stuck transactions resolved by the reconciliation pass",
		},
		[]string{"resolution"},
	)
)
