package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCommitted  = "committed"
	outcomeReplayed   = "replayed"
	outcomeInvalid    = "invalid"
	outcomeRejected   = "rejected"
	outcomeRolledBack = "rolled_back"

	// outcomeStorageFailure covers reads that failed before any unit of work began.
	outcomeStorageFailure = "storage_failure"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Transfers attempted, labeled by currency and final outcome",
	}, []string{"currency", "outcome"})

	transferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_transfer_duration_seconds",
		Help:    "Time spent in the transfer engine",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"outcome"})

	accountsProvisioned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_accounts_provisioned_total",
		Help: "Accounts created lazily on first use",
	})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_events_published_total",
		Help: "Events handed to the event bus after commit",
	}, []string{"driver", "result"})
)
