package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartorio_capture_records_total",
		Help: "Records captured into the local store",
	})
	recordsImported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartorio_capture_imported_total",
		Help: "Records replayed from snapshots",
	})
	importFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartorio_capture_import_failures_total",
		Help: "Snapshot records that could not be imported",
	})
)
