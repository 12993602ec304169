package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartorio_cache_lookups_total",
		Help: "Cache-aside lookups by result (hit, miss, bypass)",
	}, []string{"result"})

	backendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartorio_cache_backend_errors_total",
		Help: "Absorbed cache backend failures by operation",
	}, []string{"op"})

	invalidatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartorio_cache_invalidated_keys_total",
		Help: "Keys removed by explicit invalidation",
	})
)
