// Package ingest classifies inbound gateway payloads and drives scan reports
// through registry resolution, dedup, calibration and smoothing into the
// proximity decision.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/proximity-engine/internal/calibration"
	"procodus.dev/proximity-engine/internal/proximity"
	"procodus.dev/proximity-engine/internal/registry"
	"procodus.dev/proximity-engine/internal/smoothing"
	"procodus.dev/proximity-engine/pkg/cache"
	"procodus.dev/proximity-engine/pkg/frame"
	"procodus.dev/proximity-engine/pkg/metrics"
)

// Frame is one beacon advertisement as heard by one gateway.
type Frame struct {
	DeviceMAC  string
	GatewayMAC string
	RSSI       int
	// ScanTime is the gateway's clock, zero when it sent none. Decisions use
	// ingestion time; this is only logged.
	ScanTime time.Time
}

// Status is the fate of a logical frame.
type Status string

const (
	StatusProcessed    Status = "processed"
	StatusUnregistered Status = "unregistered"
	StatusDuplicate    Status = "duplicate"
	StatusRejected     Status = "rejected"
	StatusError        Status = "registry_error"
)

// Decider receives accepted observations.
type Decider interface {
	Decide(ctx context.Context, obs proximity.Observation) *proximity.Event
}

// AckHandler resolves pending commands.
type AckHandler interface {
	HandleAck(ack *frame.Ack) bool
}

// HeartbeatRecorder stores gateway liveness reports.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, hb *frame.Heartbeat) error
}

// Config holds the configuration for the Pipeline.
type Config struct {
	Logger      *slog.Logger
	Registry    registry.Lookup
	Dedup       *Dedup
	Latest      cache.Latest
	Calibration *calibration.Store
	Smoother    *smoothing.Smoother
	Decider     Decider
	Acks        AckHandler
	Heartbeats  HeartbeatRecorder
	Metrics     *metrics.EngineMetrics
	Now         func() time.Time
}

// Pipeline processes payloads one at a time in arrival order.
type Pipeline struct {
	logger      *slog.Logger
	registry    registry.Lookup
	dedup       *Dedup
	latest      cache.Latest
	calibration *calibration.Store
	smoother    *smoothing.Smoother
	decider     Decider
	acks        AckHandler
	heartbeats  HeartbeatRecorder
	metrics     *metrics.EngineMetrics
	now         func() time.Time
}

// NewPipeline validates cfg and builds a pipeline.
func NewPipeline(cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if cfg.Calibration == nil {
		return nil, errors.New("calibration store cannot be nil")
	}
	if cfg.Smoother == nil {
		return nil, errors.New("smoother cannot be nil")
	}
	if cfg.Decider == nil {
		return nil, errors.New("decider cannot be nil")
	}

	p := &Pipeline{
		logger:      cfg.Logger,
		registry:    cfg.Registry,
		dedup:       cfg.Dedup,
		latest:      cfg.Latest,
		calibration: cfg.Calibration,
		smoother:    cfg.Smoother,
		decider:     cfg.Decider,
		acks:        cfg.Acks,
		heartbeats:  cfg.Heartbeats,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if p.dedup == nil {
		p.dedup = NewDedup(DefaultDedupWindow)
	}
	if p.latest == nil {
		p.latest = cache.NewMemory(cache.DefaultHorizon)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// HandlePayload decodes one transport payload and routes it by type.
// Parse errors are returned so the caller can log and count them.
func (p *Pipeline) HandlePayload(ctx context.Context, data []byte) error {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
		}
	}()

	msg, err := frame.Decode(data)
	if err != nil {
		p.countFrame("unknown")
		if p.metrics != nil {
			p.metrics.FramesDropped.WithLabelValues("parse_error").Inc()
		}
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	p.countFrame(string(msg.MessageType()))

	switch m := msg.(type) {
	case *frame.Heartbeat:
		p.handleHeartbeat(ctx, m)
	case *frame.Ack:
		if p.acks != nil {
			p.acks.HandleAck(m)
		}
	case *frame.Command:
		p.logger.Debug("ignoring command echo", "device_mac", m.DeviceMAC, "seq", m.Sequence)
	case *frame.ScanReport:
		for _, obj := range m.Objects {
			p.ProcessFrame(ctx, Frame{
				DeviceMAC:  obj.DeviceMAC,
				GatewayMAC: m.GatewayMAC,
				RSSI:       obj.RSSI,
				ScanTime:   obj.ScanTime.Time,
			})
		}
	}
	return nil
}

func (p *Pipeline) handleHeartbeat(ctx context.Context, hb *frame.Heartbeat) {
	p.logger.Debug("gateway heartbeat",
		"gateway_mac", hb.GatewayMAC,
		"firmware", hb.Firmware,
		"temperature", hb.Temperature,
	)
	if p.heartbeats == nil {
		return
	}
	if err := p.heartbeats.RecordHeartbeat(ctx, hb); err != nil {
		p.logger.Error("failed to record heartbeat", "gateway_mac", hb.GatewayMAC, "error", err)
		if p.metrics != nil {
			p.metrics.PersistErrors.WithLabelValues("monitoring_logs").Inc()
		}
	}
}

// ProcessFrame runs one logical frame through the distance pipeline.
func (p *Pipeline) ProcessFrame(ctx context.Context, f Frame) Status {
	beacon, gateway, err := p.resolve(ctx, f)
	if err != nil {
		p.logger.Error("registry lookup failed",
			"device_mac", f.DeviceMAC,
			"gateway_mac", f.GatewayMAC,
			"error", err,
		)
		p.drop(StatusError)
		return StatusError
	}
	if beacon == nil || gateway == nil {
		p.drop(StatusUnregistered)
		return StatusUnregistered
	}

	now := p.now()

	if err := p.latest.Put(ctx, beacon.ID, gateway.ID, cache.Reading{
		RSSI:       f.RSSI,
		TxPower:    beacon.TxPower,
		ReceivedAt: now,
	}); err != nil {
		p.logger.Warn("failed to mirror latest rssi", "beacon_id", beacon.ID, "error", err)
	}

	if p.dedup.Check(beacon.ID, gateway.ID, f.RSSI, now) {
		p.drop(StatusDuplicate)
		return StatusDuplicate
	}

	cal := p.calibration.CalibratedDistance(beacon.ID, gateway.ID, f.RSSI, beacon.TxPower)
	if p.metrics != nil {
		p.metrics.CalibrationLookups.WithLabelValues(string(cal.Method)).Inc()
	}

	smoothed := p.smoother.Add(beacon.ID, now, f.RSSI, cal.Distance)
	if !smoothed.Valid {
		p.logger.Debug("rejected implausible movement",
			"beacon_id", beacon.ID,
			"gateway_id", gateway.ID,
			"distance", cal.Distance,
			"scan_time", f.ScanTime,
		)
		if p.metrics != nil {
			p.metrics.SmoothingRejections.Inc()
		}
		return StatusRejected
	}

	p.decider.Decide(ctx, proximity.Observation{
		BeaconID:    beacon.ID,
		BeaconMAC:   beacon.MAC,
		GatewayID:   gateway.ID,
		GatewayMAC:  gateway.MAC,
		RSSI:        smoothed.RSSI,
		Distance:    smoothed.Distance,
		Threshold:   gateway.Threshold(),
		AutoActuate: gateway.AutoActuate,
		Method:      cal.Method,
		Confidence:  cal.Confidence,
		At:          now,
	})
	return StatusProcessed
}

func (p *Pipeline) resolve(ctx context.Context, f Frame) (*registry.Beacon, *registry.Gateway, error) {
	beacon, err := p.registry.BeaconByMAC(ctx, f.DeviceMAC)
	if err != nil || beacon == nil {
		return nil, nil, err
	}
	gateway, err := p.registry.GatewayByMAC(ctx, f.GatewayMAC)
	if err != nil || gateway == nil {
		return nil, nil, err
	}
	return beacon, gateway, nil
}

func (p *Pipeline) countFrame(kind string) {
	if p.metrics != nil {
		p.metrics.FramesTotal.WithLabelValues(kind).Inc()
	}
}

func (p *Pipeline) drop(reason Status) {
	if p.metrics != nil {
		p.metrics.FramesDropped.WithLabelValues(string(reason)).Inc()
	}
}

// Sweep evicts stale dedup entries and latest readings.
func (p *Pipeline) Sweep(ctx context.Context, now time.Time) (dedup, latest int, err error) {
	dedup = p.dedup.Sweep(now)
	latest, err = p.latest.Sweep(ctx, now)
	return dedup, latest, err
}

// Latest exposes the latest-RSSI cache for on-demand queries.
func (p *Pipeline) Latest() cache.Latest {
	return p.latest
}
