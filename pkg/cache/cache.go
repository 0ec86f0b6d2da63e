// Package cache holds the most recent raw RSSI per beacon and gateway pair so
// on-demand distance queries can be answered outside the frame pipeline.
package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultHorizon is how long a reading stays fresh.
const DefaultHorizon = 10 * time.Second

// ErrNotFound is returned when no fresh reading exists for a pair.
var ErrNotFound = errors.New("no fresh reading")

// Reading is a raw RSSI report.
type Reading struct {
	RSSI       int       `json:"rssi"`
	TxPower    int       `json:"txPower"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Latest stores the newest reading per pair.
type Latest interface {
	Put(ctx context.Context, beaconID, gatewayID string, r Reading) error
	// Get returns ErrNotFound when the pair has no reading within the horizon.
	Get(ctx context.Context, beaconID, gatewayID string) (Reading, error)
	// Sweep evicts stale readings and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Close() error
}
