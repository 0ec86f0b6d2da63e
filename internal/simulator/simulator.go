// Package simulator impersonates a fleet of gateways and worker beacons on the
// message bus so the engine can be exercised without hardware.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"procodus.dev/proximity-engine/pkg/frame"
	"procodus.dev/proximity-engine/pkg/generator"
	"procodus.dev/proximity-engine/pkg/metrics"
	"procodus.dev/proximity-engine/pkg/mq"
)

// Walk bounds in metres.
const (
	minDistance  = 0.5
	maxDistance  = 15.0
	walkingSpeed = 1.0
	ackCause     = 1
)

var errUnknownDevice = errors.New("command for unknown device")

// Worker is a beacon walking around one gateway.
type Worker struct {
	Beacon *generator.Beacon
	walk   *generator.Walk
}

// Site is a gateway and the workers it hears.
type Site struct {
	Gateway     *generator.Gateway
	Workers     []*Worker
	temperature float64
}

// Config holds the configuration for the Simulator.
type Config struct {
	Logger    *slog.Logger
	Publisher mq.Publisher
	Metrics   *metrics.SimulatorMetrics
	// Gateways is the number of simulated gateways.
	Gateways int
	// BeaconsPerGateway is the number of workers around each gateway.
	BeaconsPerGateway int
	// AckFailureRate is the share of commands answered with a failure result.
	AckFailureRate float64
	// Seed makes the walks reproducible. Zero uses the clock.
	Seed int64
}

// Simulator owns the simulated devices.
type Simulator struct {
	logger    *slog.Logger
	publisher mq.Publisher
	metrics   *metrics.SimulatorMetrics
	failRate  float64

	mu       sync.Mutex
	rng      *rand.Rand
	sites    []*Site
	byBeacon map[string]*Site
	lastScan time.Time
}

// New creates the devices. Nothing is published until Register.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if cfg.Gateways <= 0 {
		return nil, errors.New("gateway count must be greater than 0")
	}
	if cfg.BeaconsPerGateway <= 0 {
		return nil, errors.New("beacons per gateway must be greater than 0")
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 - weak random is acceptable for simulation

	s := &Simulator{
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		failRate:  cfg.AckFailureRate,
		rng:       rng,
		byBeacon:  make(map[string]*Site),
	}

	for range cfg.Gateways {
		site := &Site{
			Gateway:     generator.NewGateway(),
			temperature: 35 + rng.Float64()*10,
		}
		for range cfg.BeaconsPerGateway {
			b := generator.NewBeacon()
			start := minDistance + rng.Float64()*(maxDistance-minDistance)
			site.Workers = append(site.Workers, &Worker{
				Beacon: b,
				walk:   generator.NewWalk(start, minDistance, maxDistance, walkingSpeed, rng.Int63()),
			})
			s.byBeacon[b.MAC] = site
		}
		s.sites = append(s.sites, site)
	}

	if s.metrics != nil {
		s.metrics.ActiveGateways.Set(float64(len(s.sites)))
	}
	return s, nil
}

// Sites returns the simulated devices.
func (s *Simulator) Sites() []*Site {
	return s.sites
}

func (s *Simulator) publish(ctx context.Context, kind, routingKey string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PublishFailures.WithLabelValues(kind, "marshal_error").Inc()
		}
		return err
	}

	if err := s.publisher.Publish(ctx, routingKey, data); err != nil {
		if s.metrics != nil {
			s.metrics.PublishFailures.WithLabelValues(kind, "publish_error").Inc()
		}
		return fmt.Errorf("failed to publish %s: %w", kind, err)
	}

	if s.metrics != nil {
		s.metrics.FramesPublished.WithLabelValues(kind).Inc()
	}
	return nil
}

// Register announces every gateway and beacon on the registry routing keys.
func (s *Simulator) Register(ctx context.Context) error {
	var errs []error
	for _, site := range s.sites {
		g := site.Gateway
		if err := s.publish(ctx, "registry", mq.RegistryGatewayKey, frame.RegistryMessage{
			Kind:           frame.KindGateway,
			ID:             g.ID,
			MAC:            g.MAC,
			Name:           g.Name,
			Location:       g.Location,
			AlertThreshold: g.AlertThreshold,
			AutoActuate:    g.AutoActuate,
		}); err != nil {
			errs = append(errs, err)
		}

		for _, w := range site.Workers {
			if err := s.publish(ctx, "registry", mq.RegistryBeaconKey, frame.RegistryMessage{
				Kind:    frame.KindBeacon,
				ID:      w.Beacon.ID,
				MAC:     w.Beacon.MAC,
				Name:    w.Beacon.Name,
				TxPower: w.Beacon.TxPower,
			}); err != nil {
				errs = append(errs, err)
			}
		}

		s.logger.Info("registered simulated gateway",
			"gateway_mac", g.MAC,
			"name", g.Name,
			"workers", len(site.Workers),
			"threshold", g.AlertThreshold,
		)
	}
	return errors.Join(errs...)
}

// Heartbeat publishes one alive frame per gateway.
func (s *Simulator) Heartbeat(ctx context.Context) error {
	var errs []error
	now := time.Now()
	for _, site := range s.sites {
		hb := &frame.Heartbeat{
			Type:        frame.TypeAlive,
			GatewayMAC:  site.Gateway.MAC,
			Firmware:    site.Gateway.Firmware,
			Temperature: generator.Temperature(now, site.temperature),
		}
		if err := s.publish(ctx, string(frame.TypeAlive), mq.UplinkKey(site.Gateway.MAC), hb); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Scan advances every walk and publishes one advData batch per gateway.
func (s *Simulator) Scan(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	dt := time.Second
	if !s.lastScan.IsZero() {
		dt = now.Sub(s.lastScan)
	}
	s.lastScan = now

	reports := make([]*frame.ScanReport, 0, len(s.sites))
	for _, site := range s.sites {
		report := &frame.ScanReport{Type: frame.TypeAdvData, GatewayMAC: site.Gateway.MAC}
		for _, w := range site.Workers {
			d := w.walk.Step(dt)
			report.Objects = append(report.Objects, frame.ScanObject{
				DeviceMAC: w.Beacon.MAC,
				RSSI:      w.walk.RSSI(w.Beacon.TxPower),
				ScanTime:  frame.Timestamp{Time: now.UTC()},
			})
			if s.metrics != nil {
				s.metrics.SimulatedDistance.WithLabelValues(w.Beacon.MAC).Set(d)
			}
		}
		reports = append(reports, report)
	}
	s.mu.Unlock()

	var errs []error
	for _, r := range reports {
		if err := s.publish(ctx, string(frame.TypeAdvData), mq.UplinkKey(r.GatewayMAC), r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleCommand answers a command frame with an ack from the gateway that
// hears the addressed beacon.
func (s *Simulator) HandleCommand(ctx context.Context, body []byte) error {
	msg, err := frame.Decode(body)
	if err != nil {
		return err
	}
	cmd, ok := msg.(*frame.Command)
	if !ok {
		return nil
	}

	s.mu.Lock()
	site, ok := s.byBeacon[cmd.DeviceMAC]
	failed := s.rng.Float64() < s.failRate
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownDevice, cmd.DeviceMAC)
	}

	ack := &frame.Ack{
		Type:       frame.TypeAck,
		DeviceMAC:  cmd.DeviceMAC,
		Sequence:   cmd.Sequence,
		GatewayMAC: site.Gateway.MAC,
	}
	result := "success"
	if failed {
		ack.Result = 1
		ack.Cause = ackCause
		result = "failure"
	}

	s.logger.Info("ringing simulated beacon",
		"device_mac", cmd.DeviceMAC,
		"seq", cmd.Sequence,
		"result", result,
	)

	if err := s.publish(ctx, string(frame.TypeAck), mq.UplinkKey(site.Gateway.MAC), ack); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.AcksSent.WithLabelValues(result).Inc()
	}
	return nil
}
