package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartorio_sync_deliveries_total",
		Help: "Queue entries processed by sync runs, by result",
	}, []string{"result"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartorio_sync_queue_depth",
		Help: "Deliverable queue entries seen at the start of the last run",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cartorio_sync_run_duration_seconds",
		Help:    "Duration of sync runs",
		Buckets: prometheus.DefBuckets,
	})
)
