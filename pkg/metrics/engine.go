package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics contains Prometheus metrics for the proximity engine pipeline.
type EngineMetrics struct {
	FramesTotal          *prometheus.CounterVec
	FramesDropped        *prometheus.CounterVec
	ProcessingDuration   prometheus.Histogram
	CalibrationLookups   *prometheus.CounterVec
	SmoothingRejections  prometheus.Counter
	AlertEventsTotal     *prometheus.CounterVec
	PersistErrors        *prometheus.CounterVec
	ActuationQueueDepth  prometheus.Gauge
	ActuationDropped     prometheus.Counter
	CommandsTotal        *prometheus.CounterVec
	CommandAckLatency    prometheus.Histogram
	PendingCommands      prometheus.Gauge
	SchedulerRuns        *prometheus.CounterVec
	SchedulerSkips       *prometheus.CounterVec
	SchedulerDuration    *prometheus.HistogramVec
	SweepEvictions       *prometheus.CounterVec
	RetentionRowsDeleted *prometheus.CounterVec
}

// NewEngineMetrics creates and registers engine metrics.
func NewEngineMetrics(namespace string, reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "frames_total",
				Help:      "Total number of inbound frames by message type",
			},
			[]string{"type"}, // alive, advData, ack, command, unknown
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "frames_dropped_total",
				Help:      "Total number of logical scan frames dropped before distance estimation",
			},
			[]string{"reason"}, // unregistered, duplicate, parse_error, registry_error
		),
		ProcessingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "processing_duration_seconds",
				Help:      "Duration of processing one inbound transport message",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CalibrationLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "calibration",
				Name:      "lookups_total",
				Help:      "Total number of RSSI to distance lookups by resolution method",
			},
			[]string{"method"}, // calibrated, interpolated, extrapolated, fallback
		),
		SmoothingRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "smoothing",
				Name:      "rejections_total",
				Help:      "Total number of samples rejected as implausible movement",
			},
		),
		AlertEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proximity",
				Name:      "events_total",
				Help:      "Total number of proximity events by danger level",
			},
			[]string{"danger_level", "alert"},
		),
		PersistErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "persist_errors_total",
				Help:      "Total number of failed writes by table",
			},
			[]string{"table"},
		),
		ActuationQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "actuation",
				Name:      "queue_depth",
				Help:      "Number of actuation requests waiting for a worker",
			},
		),
		ActuationDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "actuation",
				Name:      "dropped_total",
				Help:      "Total number of actuation requests dropped because the queue was full",
			},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "results_total",
				Help:      "Total number of command resolutions by outcome",
			},
			[]string{"outcome"}, // acked, nacked, timeout, publish_error, shared
		),
		CommandAckLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "ack_latency_seconds",
				Help:      "Time between publishing a command and receiving its acknowledgment",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		PendingCommands: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "pending",
				Help:      "Number of commands awaiting acknowledgment",
			},
		),
		SchedulerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "runs_total",
				Help:      "Total number of scheduled job runs",
			},
			[]string{"job", "status"},
		),
		SchedulerSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "skips_total",
				Help:      "Total number of ticks skipped because the previous run was still active",
			},
			[]string{"job"},
		),
		SchedulerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "run_duration_seconds",
				Help:      "Duration of scheduled job runs",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		SweepEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "sweep_evictions_total",
				Help:      "Total number of in-memory entries evicted by the memory sweep",
			},
			[]string{"state"}, // dedup, smoothing, commands, latest_rssi
		),
		RetentionRowsDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retention",
				Name:      "rows_deleted_total",
				Help:      "Total number of expired rows deleted by the retention sweep",
			},
			[]string{"table"},
		),
	}

	register(reg,
		m.FramesTotal,
		m.FramesDropped,
		m.ProcessingDuration,
		m.CalibrationLookups,
		m.SmoothingRejections,
		m.AlertEventsTotal,
		m.PersistErrors,
		m.ActuationQueueDepth,
		m.ActuationDropped,
		m.CommandsTotal,
		m.CommandAckLatency,
		m.PendingCommands,
		m.SchedulerRuns,
		m.SchedulerSkips,
		m.SchedulerDuration,
		m.SweepEvictions,
		m.RetentionRowsDeleted,
	)

	return m
}
