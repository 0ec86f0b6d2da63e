// Package registry serves beacon and gateway lookups from an in-memory
// snapshot of the relational registry tables.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/proximity-engine/pkg/frame"
)

// DefaultAlertThreshold is used for gateways without a positive threshold.
const DefaultAlertThreshold = 5.0

// ErrNotLoaded is returned by lookups before the first successful reload.
var ErrNotLoaded = errors.New("registry not loaded")

// Beacon is a registered wearable.
type Beacon struct {
	ID      string
	MAC     string
	Name    string
	TxPower int
}

// Gateway is a registered fixed receiver.
type Gateway struct {
	ID             string
	MAC            string
	Name           string
	AlertThreshold float64
	AutoActuate    bool
}

// Threshold returns the gateway's alert distance, substituting the default for
// unset or non-positive values.
func (g *Gateway) Threshold() float64 {
	if g.AlertThreshold <= 0 {
		return DefaultAlertThreshold
	}
	return g.AlertThreshold
}

// Source lists the registry rows.
type Source interface {
	ListBeacons(ctx context.Context) ([]Beacon, error)
	ListGateways(ctx context.Context) ([]Gateway, error)
}

// Lookup resolves MAC addresses. Unknown devices yield (nil, nil).
type Lookup interface {
	BeaconByMAC(ctx context.Context, mac string) (*Beacon, error)
	GatewayByMAC(ctx context.Context, mac string) (*Gateway, error)
}

// Cache is a Lookup backed by a periodically reloaded snapshot.
type Cache struct {
	source Source
	logger *slog.Logger

	mu       sync.RWMutex
	beacons  map[string]Beacon
	gateways map[string]Gateway
	loadedAt time.Time
}

// NewCache creates an empty cache. Call Reload before serving lookups.
func NewCache(source Source, logger *slog.Logger) (*Cache, error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Cache{source: source, logger: logger}, nil
}

// Reload replaces the snapshot. On error the previous snapshot is kept.
func (c *Cache) Reload(ctx context.Context) error {
	beacons, err := c.source.ListBeacons(ctx)
	if err != nil {
		return fmt.Errorf("failed to list beacons: %w", err)
	}
	gateways, err := c.source.ListGateways(ctx)
	if err != nil {
		return fmt.Errorf("failed to list gateways: %w", err)
	}

	bm := make(map[string]Beacon, len(beacons))
	for _, b := range beacons {
		bm[frame.NormalizeMAC(b.MAC)] = b
	}
	gm := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		gm[frame.NormalizeMAC(g.MAC)] = g
	}

	c.mu.Lock()
	c.beacons = bm
	c.gateways = gm
	c.loadedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("registry reloaded", "beacons", len(bm), "gateways", len(gm))
	return nil
}

func (c *Cache) BeaconByMAC(_ context.Context, mac string) (*Beacon, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.beacons == nil {
		return nil, ErrNotLoaded
	}
	b, ok := c.beacons[frame.NormalizeMAC(mac)]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (c *Cache) GatewayByMAC(_ context.Context, mac string) (*Gateway, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.gateways == nil {
		return nil, ErrNotLoaded
	}
	g, ok := c.gateways[frame.NormalizeMAC(mac)]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

// LoadedAt reports when the snapshot was last replaced, zero before the
// first successful reload.
func (c *Cache) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}
