package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "planpay"

var (
	BlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_processed_total",
		Help:      "Blocks handled by the ingestion worker.",
	}, []string{"result"}) // ok / skipped / failed

	JobsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_jobs_dead_lettered_total",
		Help:      "Block jobs moved to the dead-letter stream.",
	})

	DepositsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_applied_total",
		Help:      "Deposit saga outcomes.",
	}, []string{"source", "outcome"}) // outcome: completed / deficit / duplicate / no_binding / error

	SagaDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "deposit_saga_duration_seconds",
		Help:      "Deposit saga latency.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms ~ 16s
	})

	SweepItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_items_total",
		Help:      "Items visited by periodic sweeps.",
	}, []string{"sweep", "result"})

	ListeningAddresses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "listening_addresses",
		Help:      "Receive addresses currently awaiting a deposit.",
	})

	Watermark = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ingestion_watermark_height",
		Help:      "Last fully processed block height.",
	})

	CBState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})
)

// Handler 暴露 /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
