// Package metrics registers the Prometheus collectors named throughout
// spec §4.5/§4.6/§5, following the teacher's centralized package-level
// var + init-once MustRegister pattern (cuemby-warren's pkg/metrics).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WS connection gauges (spec §5: "decrement ws_connections/
	// ws_unauthenticated_connections gauges before returning").
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kukuri_ws_connections",
		Help: "Current number of open WebSocket connections",
	})

	WSUnauthenticatedConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kukuri_ws_unauthenticated_connections",
		Help: "Current number of WebSocket connections not yet authenticated",
	})

	// Outbox consumer metrics (spec §4.6).
	OutboxConsumerBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kukuri_outbox_consumer_batches_total",
		Help: "Total outbox poll batches processed by a consumer, by result",
	}, []string{"consumer", "result"})

	OutboxConsumerProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kukuri_outbox_consumer_processing_duration_seconds",
		Help:    "Time spent processing one outbox batch",
		Buckets: prometheus.DefBuckets,
	}, []string{"consumer"})

	OutboxConsumerBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kukuri_outbox_consumer_batch_size",
		Help:    "Number of rows in one outbox poll batch",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"consumer"})

	OutboxBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kukuri_outbox_backlog",
		Help: "Outbox rows not yet processed by a consumer",
	}, []string{"consumer"})

	// Ingest metrics (spec §4.2).
	IngestEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kukuri_ingest_events_total",
		Help: "Total events presented to the ingest engine, by outcome",
	}, []string{"outcome"})

	// Trust worker metrics (spec §4.7).
	TrustJobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kukuri_trust_job_duration_seconds",
		Help:    "Time taken by a trust job run",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})

	TrustJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kukuri_trust_jobs_total",
		Help: "Total trust job runs, by job type and final status",
	}, []string{"job_type", "status"})

	// Gossip mesh metrics (spec §4.3).
	GossipTopicPeers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kukuri_gossip_topic_peers",
		Help: "Peer count per joined topic mesh",
	}, []string{"topic_id"})

	GossipLaggedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kukuri_gossip_lagged_total",
		Help: "Total Lagged signals emitted per topic due to slow subscribers",
	}, []string{"topic_id"})
)

func init() {
	prometheus.MustRegister(
		WSConnections,
		WSUnauthenticatedConnections,
		OutboxConsumerBatchesTotal,
		OutboxConsumerProcessingDuration,
		OutboxConsumerBatchSize,
		OutboxBacklog,
		IngestEventsTotal,
		TrustJobDuration,
		TrustJobsTotal,
		GossipTopicPeers,
		GossipLaggedTotal,
	)
}

// Handler returns the Prometheus text-0.0.4 scrape endpoint (spec §6:
// "/metrics").
func Handler() http.Handler {
	return promhttp.Handler()
}
