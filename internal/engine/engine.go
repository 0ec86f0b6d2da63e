// Package engine assembles the proximity pipeline, its periodic jobs and the
// query API into a runnable service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/proximity-engine/internal/calibration"
	"procodus.dev/proximity-engine/internal/command"
	"procodus.dev/proximity-engine/internal/ingest"
	"procodus.dev/proximity-engine/internal/proximity"
	"procodus.dev/proximity-engine/internal/registry"
	"procodus.dev/proximity-engine/internal/scheduler"
	"procodus.dev/proximity-engine/internal/smoothing"
	"procodus.dev/proximity-engine/internal/store"
	"procodus.dev/proximity-engine/internal/stream"
	"procodus.dev/proximity-engine/pkg/cache"
	"procodus.dev/proximity-engine/pkg/logger"
	"procodus.dev/proximity-engine/pkg/metrics"
	"procodus.dev/proximity-engine/pkg/mq"
)

// Job names.
const (
	JobCalibrationReload = "calibration-reload"
	JobMemorySweep       = "memory-sweep"
	JobRetentionSweep    = "retention-sweep"
)

// Profiles select the retention sweep cadence.
const (
	ProfileProduction = "production"
	ProfileTest       = "test"
)

// Default job intervals.
const (
	DefaultReloadInterval = time.Minute
	DefaultSweepInterval  = 5 * time.Minute
)

// RetentionInterval returns the retention sweep cadence for a profile.
func RetentionInterval(profile string) time.Duration {
	if profile == ProfileTest {
		return time.Minute
	}
	return 24 * time.Hour
}

// Repository is everything the engine reads from and writes to the store.
type Repository interface {
	registry.Source
	proximity.EventSink
	ingest.HeartbeatRecorder
	command.Recorder
	SaveCalibrationPoint(ctx context.Context, beaconID, gatewayID string, p calibration.Point) error
	LoadCalibration(ctx context.Context) ([]calibration.Record, error)
	RecentEvents(ctx context.Context, beaconID string, limit int) ([]store.ProximityAlertEvent, error)
	SweepRetention(ctx context.Context, now time.Time) (map[string]int64, error)
}

// Config holds the configuration for the Engine.
type Config struct {
	Logger      *slog.Logger
	Repository  Repository
	Publisher   mq.Publisher
	Latest      cache.Latest
	Metrics     *metrics.EngineMetrics
	HTTPMetrics *metrics.HTTPMetrics

	Bands       proximity.Bands
	Smoothing   smoothing.Config
	DedupWindow time.Duration

	CommandAuth        string
	AckTimeout         time.Duration
	ActuationQueueSize int
	ActuationWorkers   int

	Profile           string
	ReloadInterval    time.Duration
	SweepInterval     time.Duration
	RetentionInterval time.Duration
}

// Engine owns every stateful component.
type Engine struct {
	logger     *slog.Logger
	repo       Repository
	metrics    *metrics.EngineMetrics
	httpMetric *metrics.HTTPMetrics

	registry    *registry.Cache
	calibration *calibration.Store
	smoother    *smoothing.Smoother
	pipeline    *ingest.Pipeline
	commands    *command.Client
	decider     *proximity.Decider
	scheduler   *scheduler.Scheduler
	hub         *stream.Hub
}

// New wires the components. Nothing runs until Start.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Repository == nil {
		return nil, errors.New("repository cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	e := &Engine{
		logger:      cfg.Logger,
		repo:        cfg.Repository,
		metrics:     cfg.Metrics,
		httpMetric:  cfg.HTTPMetrics,
		calibration: calibration.NewStore(),
		smoother:    smoothing.New(cfg.Smoothing),
		hub:         stream.NewHub(logger.Component(cfg.Logger, "stream"), cfg.HTTPMetrics),
	}

	var err error
	e.registry, err = registry.NewCache(cfg.Repository, logger.Component(cfg.Logger, "registry"))
	if err != nil {
		return nil, fmt.Errorf("failed to create registry cache: %w", err)
	}

	e.commands, err = command.NewClient(&command.Config{
		Publisher:  cfg.Publisher,
		Logger:     logger.Component(cfg.Logger, "command"),
		Metrics:    cfg.Metrics,
		Recorder:   cfg.Repository,
		Auth:       cfg.CommandAuth,
		AckTimeout: cfg.AckTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create command client: %w", err)
	}

	e.decider, err = proximity.NewDecider(&proximity.DeciderConfig{
		Logger:      logger.Component(cfg.Logger, "proximity"),
		Sink:        cfg.Repository,
		Broadcaster: e.hub,
		Actuator:    e.commands,
		Metrics:     cfg.Metrics,
		Bands:       cfg.Bands,
		QueueSize:   cfg.ActuationQueueSize,
		Workers:     cfg.ActuationWorkers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decider: %w", err)
	}

	e.pipeline, err = ingest.NewPipeline(&ingest.Config{
		Logger:      logger.Component(cfg.Logger, "ingest"),
		Registry:    e.registry,
		Dedup:       ingest.NewDedup(cfg.DedupWindow),
		Latest:      cfg.Latest,
		Calibration: e.calibration,
		Smoother:    e.smoother,
		Decider:     e.decider,
		Acks:        e.commands,
		Heartbeats:  cfg.Repository,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	e.scheduler, err = scheduler.New(logger.Component(cfg.Logger, "scheduler"), cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := e.addJobs(cfg); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) addJobs(cfg *Config) error {
	reload := cfg.ReloadInterval
	if reload <= 0 {
		reload = DefaultReloadInterval
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	retention := cfg.RetentionInterval
	if retention <= 0 {
		retention = RetentionInterval(cfg.Profile)
	}

	jobs := []scheduler.Job{
		{Name: JobCalibrationReload, Interval: reload, Run: e.Reload},
		{Name: JobMemorySweep, Interval: sweep, Run: e.SweepMemory},
		{Name: JobRetentionSweep, Interval: retention, Run: e.SweepRetention, RunOnStart: true},
	}
	for _, j := range jobs {
		if err := e.scheduler.Add(j); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.Name, err)
		}
	}
	return nil
}

// Start loads the registry and calibration tables, then starts the
// actuation workers and the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Reload(ctx); err != nil {
		return fmt.Errorf("initial load failed: %w", err)
	}
	e.decider.Start(ctx)
	e.scheduler.Start(ctx)
	return nil
}

// Stop halts the scheduler and workers and disconnects stream clients.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.decider.Stop()
	e.hub.Close()
}

// HandlePayload feeds one uplink payload into the pipeline.
func (e *Engine) HandlePayload(ctx context.Context, data []byte) error {
	return e.pipeline.HandlePayload(ctx, data)
}

// Reload refreshes the registry snapshot and merges persisted calibration
// points into memory.
func (e *Engine) Reload(ctx context.Context) error {
	if err := e.registry.Reload(ctx); err != nil {
		return err
	}

	records, err := e.repo.LoadCalibration(ctx)
	if err != nil {
		return err
	}
	if changed := e.calibration.Merge(records); changed > 0 {
		e.logger.Info("merged persisted calibration points", "changed", changed, "records", len(records))
	}
	return nil
}

// SweepMemory evicts stale in-memory state.
func (e *Engine) SweepMemory(ctx context.Context) error {
	now := time.Now()

	dedup, latest, err := e.pipeline.Sweep(ctx, now)
	history := e.smoother.Sweep(now)
	commands := e.commands.Sweep(now)

	if e.metrics != nil {
		e.metrics.SweepEvictions.WithLabelValues("dedup").Add(float64(dedup))
		e.metrics.SweepEvictions.WithLabelValues("latest_rssi").Add(float64(latest))
		e.metrics.SweepEvictions.WithLabelValues("smoothing").Add(float64(history))
		e.metrics.SweepEvictions.WithLabelValues("commands").Add(float64(commands))
	}
	e.logger.Debug("memory sweep completed",
		"dedup", dedup,
		"latest_rssi", latest,
		"smoothing", history,
		"commands", commands,
	)
	return err
}

// SweepRetention purges expired log rows.
func (e *Engine) SweepRetention(ctx context.Context) error {
	deleted, err := e.repo.SweepRetention(ctx, time.Now().UTC())
	for table, n := range deleted {
		if e.metrics != nil {
			e.metrics.RetentionRowsDeleted.WithLabelValues(table).Add(float64(n))
		}
		if n > 0 {
			e.logger.Info("purged expired rows", "table", table, "rows", n)
		}
	}
	return err
}

// DistanceReading answers the on-demand distance query.
type DistanceReading struct {
	BeaconID   string                 `json:"beaconId"`
	GatewayID  string                 `json:"gatewayId"`
	RSSI       int                    `json:"rssi"`
	Distance   float64                `json:"distance"`
	Confidence calibration.Confidence `json:"confidence"`
	Method     calibration.Method     `json:"method"`
	ReceivedAt time.Time              `json:"receivedAt"`
}

// CurrentDistance calibrates the freshest raw RSSI for the pair. It returns
// cache.ErrNotFound when the pair has not been heard recently.
func (e *Engine) CurrentDistance(ctx context.Context, beaconID, gatewayID string) (*DistanceReading, error) {
	r, err := e.pipeline.Latest().Get(ctx, beaconID, gatewayID)
	if err != nil {
		return nil, err
	}

	res := e.calibration.CalibratedDistance(beaconID, gatewayID, r.RSSI, r.TxPower)
	return &DistanceReading{
		BeaconID:   beaconID,
		GatewayID:  gatewayID,
		RSSI:       r.RSSI,
		Distance:   res.Distance,
		Confidence: res.Confidence,
		Method:     res.Method,
		ReceivedAt: r.ReceivedAt,
	}, nil
}

// AddCalibrationPoint records a field measurement. A nil rssi uses the
// freshest cached reading for the pair. The point is persisted; a write
// failure is logged and the in-memory point is still returned.
func (e *Engine) AddCalibrationPoint(ctx context.Context, beaconID, gatewayID string, dist float64, rssi *int) (calibration.Point, error) {
	value := 0
	if rssi != nil {
		value = *rssi
	} else {
		r, err := e.pipeline.Latest().Get(ctx, beaconID, gatewayID)
		if err != nil {
			return calibration.Point{}, fmt.Errorf("no live rssi for calibration: %w", err)
		}
		value = r.RSSI
	}

	p, err := e.calibration.AddMeasurement(beaconID, gatewayID, dist, value)
	if err != nil {
		return calibration.Point{}, err
	}

	if err := e.repo.SaveCalibrationPoint(ctx, beaconID, gatewayID, p); err != nil {
		e.logger.Error("failed to persist calibration point",
			"beacon_id", beaconID,
			"gateway_id", gatewayID,
			"distance", dist,
			"error", err,
		)
		if e.metrics != nil {
			e.metrics.PersistErrors.WithLabelValues("calibration_points").Inc()
		}
	}
	return p, nil
}

// CalibrationReport is the calibration table and its quality score.
type CalibrationReport struct {
	BeaconID  string              `json:"beaconId"`
	GatewayID string              `json:"gatewayId"`
	Points    []calibration.Point `json:"points"`
	Quality   calibration.Quality `json:"quality"`
}

// Calibration returns the current table for a pair.
func (e *Engine) Calibration(beaconID, gatewayID string) CalibrationReport {
	points := e.calibration.Snapshot(beaconID, gatewayID)
	return CalibrationReport{
		BeaconID:  beaconID,
		GatewayID: gatewayID,
		Points:    points,
		Quality:   calibration.Assess(points),
	}
}

// RecentEvents lists the newest persisted decisions.
func (e *Engine) RecentEvents(ctx context.Context, beaconID string, limit int) ([]store.ProximityAlertEvent, error) {
	return e.repo.RecentEvents(ctx, beaconID, limit)
}

// RefreshRegistry reloads the registry snapshot only.
func (e *Engine) RefreshRegistry(ctx context.Context) error {
	return e.registry.Reload(ctx)
}

// Hub returns the live event stream.
func (e *Engine) Hub() *stream.Hub {
	return e.hub
}
