package resilient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eduabjr/cartorio-sub002/pkg/platform/circuit"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartorio_resilient_calls_total",
		Help: "Resilient calls by destination and final result (success, fallback, rejected, error)",
	}, []string{"destination", "result"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartorio_resilient_attempts_total",
		Help: "Individual network attempts by destination and outcome",
	}, []string{"destination", "outcome"})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cartorio_circuit_state",
		Help: "Circuit state per destination (0=closed, 1=open, 2=half-open)",
	}, []string{"destination"})
)

func observeState(b *circuit.Breaker) {
	circuitState.WithLabelValues(b.Name()).Set(float64(b.State()))
}
