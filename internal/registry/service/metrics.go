package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartorio_registry_accepted_total",
		Help: "Accept-record calls by result (created or duplicate)",
	}, []string{"result"})

	conflictingRedeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartorio_registry_conflicting_redeliveries_total",
		Help: "Redeliveries of a known id whose payload differs from the stored one",
	})
)
