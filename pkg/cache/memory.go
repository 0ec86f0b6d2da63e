package cache

import (
	"context"
	"sync"
	"time"
)

type pairKey struct {
	beaconID  string
	gatewayID string
}

// Memory is an in-process Latest implementation.
type Memory struct {
	mu       sync.RWMutex
	horizon  time.Duration
	readings map[pairKey]Reading
	now      func() time.Time
}

// NewMemory creates an empty in-memory cache.
func NewMemory(horizon time.Duration) *Memory {
	return NewMemoryWithClock(horizon, time.Now)
}

// NewMemoryWithClock creates an in-memory cache that reads time from now.
func NewMemoryWithClock(horizon time.Duration, now func() time.Time) *Memory {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Memory{
		horizon:  horizon,
		readings: make(map[pairKey]Reading),
		now:      now,
	}
}

func (m *Memory) Put(_ context.Context, beaconID, gatewayID string, r Reading) error {
	m.mu.Lock()
	m.readings[pairKey{beaconID, gatewayID}] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, beaconID, gatewayID string) (Reading, error) {
	m.mu.RLock()
	r, ok := m.readings[pairKey{beaconID, gatewayID}]
	m.mu.RUnlock()

	if !ok || m.now().Sub(r.ReceivedAt) > m.horizon {
		return Reading{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, r := range m.readings {
		if now.Sub(r.ReceivedAt) > m.horizon {
			delete(m.readings, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error { return nil }
