// Package metrics declares the Prometheus collectors shared by the processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for Messages.
const (
	OutcomeAck        = "ack"
	OutcomeNack       = "nack"
	OutcomeDeadLetter = "dead_letter"
	OutcomePanic      = "panic"
)

var (
	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_messages_total",
		Help: "Settled queue deliveries by outcome",
	}, []string{"outcome"})

	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "digest_pipeline_duration_seconds",
		Help:    "Wall time of one pipeline run",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"result"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_bullet_cache_lookups_total",
		Help: "Bullet cache lookups by result",
	}, []string{"result"})

	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_llm_calls_total",
		Help: "LLM generation calls by result",
	}, []string{"result"})

	DocumentEntities = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_document_entities",
		Help:    "Entity blocks per completed digest",
		Buckets: []float64{0, 1, 3, 5, 10, 25, 50, 100},
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "digest_queue_depth",
		Help: "Messages waiting or in flight on the request queue",
	})

	DesiredReplicas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "digest_desired_replicas",
		Help: "Worker replicas suggested for the current queue depth",
	})

	RetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_retention_deleted_total",
		Help: "Records removed by the retention job by store",
	}, []string{"store"})
)
