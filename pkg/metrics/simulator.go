package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the gateway simulator.
type SimulatorMetrics struct {
	FramesPublished   *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	AcksSent          *prometheus.CounterVec
	ActiveGateways    prometheus.Gauge
	SimulatedDistance *prometheus.GaugeVec
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string, reg prometheus.Registerer) *SimulatorMetrics {
	m := &SimulatorMetrics{
		FramesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "frames_published_total",
				Help:      "Total number of simulated frames published",
			},
			[]string{"type"}, // alive, advData, ack, registry
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "publish_failures_total",
				Help:      "Total number of simulated frames that could not be published",
			},
			[]string{"type", "reason"},
		),
		AcksSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "acks_sent_total",
				Help:      "Total number of command acknowledgments sent",
			},
			[]string{"result"},
		),
		ActiveGateways: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_gateways",
				Help:      "Number of simulated gateways currently running",
			},
		),
		SimulatedDistance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "true_distance_meters",
				Help:      "Ground-truth distance of each simulated worker",
			},
			[]string{"beacon"},
		),
	}

	register(reg,
		m.FramesPublished,
		m.PublishFailures,
		m.AcksSent,
		m.ActiveGateways,
		m.SimulatedDistance,
	)

	return m
}
