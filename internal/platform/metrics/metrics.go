package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "cartorio_build_info",
	Help: "Constant 1, labelled with the running component and version",
}, []string{"component", "version"})

// Handler exposes every collector registered through promauto.
func Handler(component, version string) http.Handler {
	buildInfo.WithLabelValues(component, version).Set(1)
	return promhttp.Handler()
}
