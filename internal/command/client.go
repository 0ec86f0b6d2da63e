// Package command sends actuation commands to beacons through their gateway
// and correlates the asynchronous acknowledgments by sequence number.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/proximity-engine/pkg/frame"
	"procodus.dev/proximity-engine/pkg/metrics"
	"procodus.dev/proximity-engine/pkg/mq"
)

const (
	DefaultAckTimeout  = 10 * time.Second
	DefaultDedupWindow = 5 * time.Second
)

// ErrTimeout is recorded on outcomes that were never acknowledged.
var ErrTimeout = errors.New("acknowledgment timed out")

// Request describes one actuation.
type Request struct {
	BeaconID   string
	DeviceMAC  string
	GatewayMAC string
	Payload    frame.RingPayload
}

// Outcome is the resolution of a command.
type Outcome struct {
	Success  bool
	Sequence uint32
	Result   int
	Cause    int
	TimedOut bool
	// Shared is set for callers that joined an in-flight command.
	Shared bool
}

// LogEntry is the monitoring record written for every resolved command.
type LogEntry struct {
	BeaconID   string
	DeviceMAC  string
	GatewayMAC string
	Sequence   uint32
	Outcome    string
	Message    string
	At         time.Time
}

// Recorder persists command outcomes.
type Recorder interface {
	RecordCommand(ctx context.Context, e LogEntry) error
}

// Config holds the configuration for the Client.
type Config struct {
	Publisher mq.Publisher
	Logger    *slog.Logger
	Metrics   *metrics.EngineMetrics
	Recorder  Recorder
	// Auth is copied into every outbound frame.
	Auth        string
	AckTimeout  time.Duration
	DedupWindow time.Duration
	// Now overrides the clock used for sequence numbers and dedup.
	Now func() time.Time
}

type dedupKey struct {
	beaconID  string
	deviceMAC string
}

type ackKey struct {
	deviceMAC string
	seq       uint32
}

type pending struct {
	key      dedupKey
	req      Request
	seq      uint32
	issuedAt time.Time
	sentAt   time.Time

	done     chan struct{}
	resolved bool
	outcome  Outcome
	err      error
}

// Client is the command/acknowledgment client. It is safe for concurrent use.
type Client struct {
	publisher   mq.Publisher
	logger      *slog.Logger
	metrics     *metrics.EngineMetrics
	recorder    Recorder
	auth        string
	ackTimeout  time.Duration
	dedupWindow time.Duration
	now         func() time.Time

	mu      sync.Mutex
	byKey   map[dedupKey]*pending
	bySeq   map[ackKey]*pending
	lastSeq uint32
}

// NewClient creates a command client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	c := &Client{
		publisher:   cfg.Publisher,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		recorder:    cfg.Recorder,
		auth:        cfg.Auth,
		ackTimeout:  cfg.AckTimeout,
		dedupWindow: cfg.DedupWindow,
		now:         cfg.Now,
		byKey:       make(map[dedupKey]*pending),
		bySeq:       make(map[ackKey]*pending),
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = DefaultAckTimeout
	}
	if c.dedupWindow <= 0 {
		c.dedupWindow = DefaultDedupWindow
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// SendCommand publishes req and blocks until it is acknowledged, times out or
// ctx ends. A second call for the same beacon and device while the first is
// unresolved and younger than the dedup window waits for and returns the
// first call's outcome instead of sending again.
func (c *Client) SendCommand(ctx context.Context, req Request) (Outcome, error) {
	req.DeviceMAC = frame.NormalizeMAC(req.DeviceMAC)
	req.GatewayMAC = frame.NormalizeMAC(req.GatewayMAC)
	if req.DeviceMAC == "" || req.GatewayMAC == "" {
		return Outcome{}, errors.New("device and gateway MAC are required")
	}

	key := dedupKey{beaconID: req.BeaconID, deviceMAC: req.DeviceMAC}
	now := c.now()

	c.mu.Lock()
	if p, ok := c.byKey[key]; ok && !p.resolved && now.Sub(p.issuedAt) < c.dedupWindow {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CommandsTotal.WithLabelValues("shared").Inc()
		}
		return c.join(ctx, p)
	}

	p := &pending{
		key:      key,
		req:      req,
		seq:      c.nextSequence(now),
		issuedAt: now,
		sentAt:   time.Now(),
		done:     make(chan struct{}),
	}
	c.byKey[key] = p
	c.bySeq[ackKey{deviceMAC: req.DeviceMAC, seq: p.seq}] = p
	c.updatePendingGauge()
	c.mu.Unlock()

	data, err := frame.Encode(&frame.Command{
		DeviceMAC:   req.DeviceMAC,
		Sequence:    p.seq,
		Auth:        c.auth,
		PayloadType: "json",
		Payload:     req.Payload,
	})
	if err == nil {
		err = c.publisher.Publish(ctx, mq.CommandKey(req.GatewayMAC), data)
	}
	if err != nil {
		err = fmt.Errorf("failed to publish command: %w", err)
		c.resolve(p, Outcome{Sequence: p.seq}, err, "publish_error")
		return p.outcome, p.err
	}

	c.logger.Debug("command sent",
		"beacon_id", req.BeaconID,
		"device_mac", req.DeviceMAC,
		"gateway_mac", req.GatewayMAC,
		"seq", p.seq,
	)

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		c.resolve(p, Outcome{Sequence: p.seq, TimedOut: true}, nil, "timeout")
	case <-ctx.Done():
		c.resolve(p, Outcome{Sequence: p.seq}, ctx.Err(), "cancelled")
	}

	<-p.done
	return p.outcome, p.err
}

func (c *Client) join(ctx context.Context, p *pending) (Outcome, error) {
	select {
	case <-p.done:
		out := p.outcome
		out.Shared = true
		return out, p.err
	case <-ctx.Done():
		return Outcome{Sequence: p.seq, Shared: true}, ctx.Err()
	}
}

// nextSequence derives a sequence from the clock, bumped past the previous
// one so sequences strictly increase. Must be called with mu held.
func (c *Client) nextSequence(now time.Time) uint32 {
	seq := uint32(now.UnixMilli() & 0x7fffffff)
	if seq <= c.lastSeq {
		seq = c.lastSeq + 1
	}
	if seq == 0 {
		seq = 1
	}
	c.lastSeq = seq
	return seq
}

// HandleAck resolves the command matching the acknowledgment. It returns
// false for acknowledgments nothing is waiting for.
func (c *Client) HandleAck(ack *frame.Ack) bool {
	if ack == nil {
		return false
	}

	c.mu.Lock()
	p, ok := c.bySeq[ackKey{deviceMAC: frame.NormalizeMAC(ack.DeviceMAC), seq: ack.Sequence}]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("ignoring unmatched ack",
			"device_mac", ack.DeviceMAC,
			"seq", ack.Sequence,
		)
		return false
	}

	out := Outcome{
		Success:  ack.Succeeded(),
		Sequence: ack.Sequence,
		Result:   ack.Result,
		Cause:    ack.Cause,
	}
	label := "acked"
	if !out.Success {
		label = "nacked"
	}
	return c.resolve(p, out, nil, label)
}

// resolve settles p exactly once and removes it from both indexes.
func (c *Client) resolve(p *pending, out Outcome, err error, label string) bool {
	c.mu.Lock()
	if p.resolved {
		c.mu.Unlock()
		return false
	}
	p.resolved = true
	p.outcome = out
	p.err = err
	if c.byKey[p.key] == p {
		delete(c.byKey, p.key)
	}
	delete(c.bySeq, ackKey{deviceMAC: p.req.DeviceMAC, seq: p.seq})
	c.updatePendingGauge()
	close(p.done)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CommandsTotal.WithLabelValues(label).Inc()
		if label == "acked" || label == "nacked" {
			c.metrics.CommandAckLatency.Observe(time.Since(p.sentAt).Seconds())
		}
	}

	attrs := []any{
		"beacon_id", p.req.BeaconID,
		"device_mac", p.req.DeviceMAC,
		"gateway_mac", p.req.GatewayMAC,
		"seq", p.seq,
		"outcome", label,
	}
	if err != nil {
		c.logger.Warn("command failed", append(attrs, "error", err)...)
	} else if !out.Success {
		c.logger.Warn("command not executed", append(attrs, "result", out.Result, "cause", out.Cause)...)
	} else {
		c.logger.Info("command acknowledged", attrs...)
	}

	c.record(p, label, err)
	return true
}

func (c *Client) record(p *pending, label string, err error) {
	if c.recorder == nil {
		return
	}

	msg := fmt.Sprintf("ring command %s", label)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rerr := c.recorder.RecordCommand(ctx, LogEntry{
		BeaconID:   p.req.BeaconID,
		DeviceMAC:  p.req.DeviceMAC,
		GatewayMAC: p.req.GatewayMAC,
		Sequence:   p.seq,
		Outcome:    label,
		Message:    msg,
		At:         c.now(),
	}); rerr != nil {
		c.logger.Error("failed to record command outcome", "seq", p.seq, "error", rerr)
	}
}

// Sweep times out entries older than twice the ack timeout, which only
// happens when a waiter went away without resolving. It returns how many
// entries were removed.
func (c *Client) Sweep(now time.Time) int {
	cutoff := now.Add(-2 * c.ackTimeout)

	c.mu.Lock()
	var stale []*pending
	for _, p := range c.bySeq {
		if p.issuedAt.Before(cutoff) {
			stale = append(stale, p)
		}
	}
	c.mu.Unlock()

	removed := 0
	for _, p := range stale {
		if c.resolve(p, Outcome{Sequence: p.seq, TimedOut: true}, ErrTimeout, "timeout") {
			removed++
		}
	}
	return removed
}

// Pending reports the number of unresolved commands.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bySeq)
}

// updatePendingGauge must be called with mu held.
func (c *Client) updatePendingGauge() {
	if c.metrics != nil {
		c.metrics.PendingCommands.Set(float64(len(c.bySeq)))
	}
}
