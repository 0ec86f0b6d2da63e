package ingest

import (
	"sync"
	"time"
)

// DefaultDedupWindow is the span within which an identical report is a
// retransmission.
const DefaultDedupWindow = time.Second

type dedupKey struct {
	beaconID  string
	gatewayID string
	rssi      int
}

// Dedup suppresses repeated (beacon, gateway, rssi) reports.
type Dedup struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[dedupKey]time.Time
}

// NewDedup creates a dedup cache.
func NewDedup(window time.Duration) *Dedup {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Dedup{window: window, seen: make(map[dedupKey]time.Time)}
}

// Check reports whether the report is a duplicate. Non-duplicates are recorded.
func (d *Dedup) Check(beaconID, gatewayID string, rssi int, at time.Time) bool {
	key := dedupKey{beaconID: beaconID, gatewayID: gatewayID, rssi: rssi}

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.seen[key]; ok && at.Sub(last) < d.window {
		return true
	}
	d.seen[key] = at
	return false
}

// Sweep evicts entries older than ten windows and returns how many went.
func (d *Dedup) Sweep(now time.Time) int {
	cutoff := now.Add(-10 * d.window)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for k, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
