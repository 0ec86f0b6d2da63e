package proximity

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"procodus.dev/proximity-engine/internal/command"
	"procodus.dev/proximity-engine/pkg/frame"
	"procodus.dev/proximity-engine/pkg/metrics"
)

const (
	DefaultQueueSize      = 64
	DefaultWorkers        = 2
	DefaultPersistTimeout = 5 * time.Second
)

// EventSink persists decisions.
type EventSink interface {
	SaveEvent(ctx context.Context, e *Event) error
}

// Broadcaster fans events out to live subscribers. It must not block.
type Broadcaster interface {
	Broadcast(e *Event)
}

// Actuator sends the ring command.
type Actuator interface {
	SendCommand(ctx context.Context, req command.Request) (command.Outcome, error)
}

// DeciderConfig holds the configuration for the Decider.
type DeciderConfig struct {
	Logger      *slog.Logger
	Sink        EventSink
	Broadcaster Broadcaster
	Actuator    Actuator
	Metrics     *metrics.EngineMetrics
	Bands       Bands
	// QueueSize bounds the pending actuations; further alerts are dropped.
	QueueSize      int
	Workers        int
	PersistTimeout time.Duration
	Ring           frame.RingPayload
}

// Decider turns observations into events and alerts into actuations.
type Decider struct {
	logger         *slog.Logger
	sink           EventSink
	broadcaster    Broadcaster
	actuator       Actuator
	metrics        *metrics.EngineMetrics
	bands          Bands
	persistTimeout time.Duration
	ring           frame.RingPayload
	workers        int

	queue    chan command.Request
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDecider creates a decider. Start must be called for alerts to actuate.
func NewDecider(cfg *DeciderConfig) (*Decider, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	bands := cfg.Bands
	if bands.Danger <= 0 {
		bands.Danger = DefaultDangerDistance
	}
	if bands.Warning <= 0 {
		bands.Warning = DefaultWarningDistance
	}
	if bands.Danger > bands.Warning {
		return nil, errors.New("danger distance cannot exceed warning distance")
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	timeout := cfg.PersistTimeout
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}
	ring := cfg.Ring
	if ring.Action == "" {
		ring = frame.DefaultRing()
	}

	return &Decider{
		logger:         cfg.Logger,
		sink:           cfg.Sink,
		broadcaster:    cfg.Broadcaster,
		actuator:       cfg.Actuator,
		metrics:        cfg.Metrics,
		bands:          bands,
		persistTimeout: timeout,
		ring:           ring,
		workers:        workers,
		queue:          make(chan command.Request, queueSize),
		done:           make(chan struct{}),
	}, nil
}

// Start launches the actuation workers. They run until Stop or ctx ends.
func (d *Decider) Start(ctx context.Context) {
	if d.actuator == nil {
		return
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight actuations.
func (d *Decider) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

// Decide evaluates, persists and broadcasts one observation, and queues an
// actuation when it is an alert on an auto-actuating gateway. Persistence
// failures are logged and do not prevent the rest.
func (d *Decider) Decide(ctx context.Context, obs Observation) *Event {
	ev := d.bands.Evaluate(obs)

	if d.metrics != nil {
		d.metrics.AlertEventsTotal.WithLabelValues(string(ev.DangerLevel), strconv.FormatBool(ev.IsAlert)).Inc()
	}

	if d.sink != nil {
		pctx, cancel := context.WithTimeout(ctx, d.persistTimeout)
		if err := d.sink.SaveEvent(pctx, ev); err != nil {
			d.logger.Error("failed to persist proximity event",
				"beacon_id", ev.BeaconID,
				"gateway_id", ev.GatewayID,
				"error", err,
			)
			if d.metrics != nil {
				d.metrics.PersistErrors.WithLabelValues("proximity_alert_events").Inc()
			}
		}
		cancel()
	}

	if d.broadcaster != nil {
		d.broadcaster.Broadcast(ev)
	}

	if ev.IsAlert {
		d.logger.Info("proximity alert",
			"beacon_id", ev.BeaconID,
			"gateway_id", ev.GatewayID,
			"distance", ev.Distance,
			"threshold", ev.Threshold,
			"danger_level", ev.DangerLevel,
		)
		if obs.AutoActuate {
			d.enqueue(command.Request{
				BeaconID:   obs.BeaconID,
				DeviceMAC:  obs.BeaconMAC,
				GatewayMAC: obs.GatewayMAC,
				Payload:    d.ring,
			})
		}
	}

	return ev
}

func (d *Decider) enqueue(req command.Request) {
	if d.actuator == nil {
		return
	}
	select {
	case d.queue <- req:
		if d.metrics != nil {
			d.metrics.ActuationQueueDepth.Set(float64(len(d.queue)))
		}
	default:
		d.logger.Warn("actuation queue full, dropping request",
			"beacon_id", req.BeaconID,
			"device_mac", req.DeviceMAC,
		)
		if d.metrics != nil {
			d.metrics.ActuationDropped.Inc()
		}
	}
}

func (d *Decider) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case req := <-d.queue:
			if d.metrics != nil {
				d.metrics.ActuationQueueDepth.Set(float64(len(d.queue)))
			}
			out, err := d.actuator.SendCommand(ctx, req)
			if err != nil {
				d.logger.Error("actuation failed",
					"worker", id,
					"beacon_id", req.BeaconID,
					"error", err,
				)
				continue
			}
			d.logger.Debug("actuation resolved",
				"worker", id,
				"beacon_id", req.BeaconID,
				"success", out.Success,
				"shared", out.Shared,
			)
		}
	}
}

// QueueLen reports the number of queued actuations.
func (d *Decider) QueueLen() int {
	return len(d.queue)
}
