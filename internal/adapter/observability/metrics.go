package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topic_messages_published_total",
			Help: "Total number of messages published per topic",
		},
		[]string{"topic"},
	)
	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topic_messages_received_total",
			Help: "Total number of messages claimed per topic and group",
		},
		[]string{"topic", "group"},
	)
	MessagesAckedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topic_messages_acknowledged_total",
			Help: "Total number of messages acknowledged per topic and group",
		},
		[]string{"topic", "group"},
	)
	StaleAcksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topic_stale_acks_rejected_total",
			Help: "Acks rejected because the claim version moved on",
		},
		[]string{"topic", "group"},
	)
	StuckMessagesReassignedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topic_stuck_messages_reassigned_total",
			Help: "Expired claims taken over by another consumer",
		},
		[]string{"topic", "group"},
	)
	ClaimConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topic_claim_conflicts_total",
			Help: "Claim attempts lost to a competing consumer",
		},
		[]string{"topic", "group"},
	)

	TicksIndexedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_ticks_indexed_total",
			Help: "Total number of ticks flushed per indexer",
		},
		[]string{"indexer"},
	)
	FlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexer_flush_duration_seconds",
			Help:    "Duration of indexer flushes in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"indexer"},
	)
	BatchesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persister_batches_written_total",
			Help: "Total number of batch blobs written per run",
		},
		[]string{"run_id"},
	)
)

// InitMetrics registers all pipeline collectors on the default registry.
func InitMetrics() {
	prometheus.MustRegister(MessagesPublishedTotal)
	prometheus.MustRegister(MessagesReceivedTotal)
	prometheus.MustRegister(MessagesAckedTotal)
	prometheus.MustRegister(StaleAcksRejectedTotal)
	prometheus.MustRegister(StuckMessagesReassignedTotal)
	prometheus.MustRegister(ClaimConflictsTotal)
	prometheus.MustRegister(TicksIndexedTotal)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(BatchesWrittenTotal)
}
