package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cartorio_registry_consumed_messages_total",
	Help: "Kafka accept-record messages handled by the registry consumer, by result",
}, []string{"result"})
