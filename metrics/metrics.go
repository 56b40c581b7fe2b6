package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relayer pipeline metrics, labeled by chain name where relevant.
var (
	IntentsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_intents_observed_total",
			Help: "Number of transfer intents decoded from source chain logs",
		},
		[]string{"chain"},
	)

	IntentsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_intents_finalized_total",
			Help: "Number of transfer intents that passed the finality gate",
		},
		[]string{"chain"},
	)

	IntentsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_intents_executed_total",
			Help: "Number of transfer intents executed on the destination chain",
		},
		[]string{"chain"},
	)

	IntentsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_intents_failed_total",
			Help: "Number of transfer intents that reached the FAILED state",
		},
		[]string{"chain"},
	)

	IntentsRejectedDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_intents_rejected_duplicate_total",
			Help: "Number of transfer intents already processed on the destination chain",
		},
		[]string{"chain"},
	)

	MalformedLogs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_malformed_logs_total",
			Help: "Number of source chain logs skipped because they did not match the event schema",
		},
		[]string{"chain"},
	)

	CheckpointHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayer_checkpoint_height",
			Help: "Durable checkpoint height per source chain",
		},
		[]string{"chain"},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_poll_errors_total",
			Help: "Number of failed source chain poll attempts",
		},
		[]string{"chain"},
	)

	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relayer_submit_duration_seconds",
			Help:    "Time from mint submission to resolved destination receipt",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	ReconcileResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_reconcile_resolutions_total",
			Help: "Number of ambiguous submissions resolved by the reconciler, by outcome",
		},
		[]string{"outcome"},
	)
)
