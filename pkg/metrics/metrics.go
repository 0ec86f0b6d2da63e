// Package metrics provides Prometheus metrics collection for the engine and simulator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the default metric namespace for every collector in this module.
const Namespace = "proximity"

// Registry is the global Prometheus registry for all metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister registers collectors with the global registry.
// Panics if registration fails.
func MustRegister(collectors ...prometheus.Collector) {
	Registry.MustRegister(collectors...)
}

// register adds collectors to reg, or to the global registry when reg is nil.
// Tests pass a fresh prometheus.NewRegistry() so constructors can run repeatedly.
func register(reg prometheus.Registerer, cs ...prometheus.Collector) {
	if reg == nil {
		MustRegister(cs...)
		return
	}
	reg.MustRegister(cs...)
}
