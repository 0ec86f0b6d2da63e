// Package calibration keeps field-measured RSSI/distance tables per beacon and
// gateway pair and answers distance queries against them.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"procodus.dev/proximity-engine/internal/distance"
)

// Confidence grades how much a distance answer can be trusted.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Method records how a distance answer was produced.
type Method string

const (
	MethodFallback     Method = "fallback"
	MethodCalibrated   Method = "calibrated"
	MethodExtrapolated Method = "extrapolated"
	MethodInterpolated Method = "interpolated"
)

const (
	MinRSSI = -100
	MaxRSSI = 0
)

var (
	// ErrInvalidDistance is returned for non-positive measurement distances.
	ErrInvalidDistance = errors.New("distance must be greater than zero")
	// ErrInvalidRSSI is returned for RSSI values outside [MinRSSI, MaxRSSI].
	ErrInvalidRSSI = errors.New("rssi out of range")
)

// Key identifies a calibration record.
type Key struct {
	BeaconID  string
	GatewayID string
}

// Point is one measured (distance, rssi) pair. RSSI is the running mean of
// every sample taken at Distance.
type Point struct {
	Distance       float64   `json:"distance"`
	RSSI           float64   `json:"rssi"`
	SampleCount    int       `json:"sampleCount"`
	LastMeasuredAt time.Time `json:"lastMeasuredAt"`
}

// Record is the full point table for a key, ordered by distance.
type Record struct {
	Key    Key
	Points []Point
}

// Result is the answer to a distance query.
type Result struct {
	Distance   float64    `json:"distance"`
	Confidence Confidence `json:"confidence"`
	Method     Method     `json:"method"`
}

// Store is the in-memory calibration table. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[Key][]Point
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[Key][]Point),
		now:     time.Now,
	}
}

// AddMeasurement folds a new sample into the record. A sample at an existing
// distance updates that point's mean instead of adding a second one.
func (s *Store) AddMeasurement(beaconID, gatewayID string, dist float64, rssi int) (Point, error) {
	if dist <= 0 || math.IsNaN(dist) || math.IsInf(dist, 0) {
		return Point{}, fmt.Errorf("%w: %v", ErrInvalidDistance, dist)
	}
	if rssi < MinRSSI || rssi > MaxRSSI {
		return Point{}, fmt.Errorf("%w: %d", ErrInvalidRSSI, rssi)
	}

	key := Key{BeaconID: beaconID, GatewayID: gatewayID}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	points := s.records[key]
	for i := range points {
		if points[i].Distance == dist {
			p := &points[i]
			p.RSSI = (p.RSSI*float64(p.SampleCount) + float64(rssi)) / float64(p.SampleCount+1)
			p.SampleCount++
			p.LastMeasuredAt = now
			return *p, nil
		}
	}

	p := Point{Distance: dist, RSSI: float64(rssi), SampleCount: 1, LastMeasuredAt: now}
	points = append(points, p)
	sortByDistance(points)
	s.records[key] = points
	return p, nil
}

// CalibratedDistance maps rssi to a distance for the pair. It never fails:
// missing data degrades to the path-loss estimate with low confidence.
func (s *Store) CalibratedDistance(beaconID, gatewayID string, rssi, txPower int) Result {
	s.mu.RLock()
	points := s.records[Key{BeaconID: beaconID, GatewayID: gatewayID}]
	byRSSI := make([]Point, len(points))
	copy(byRSSI, points)
	s.mu.RUnlock()

	if len(byRSSI) == 0 {
		return Result{
			Distance:   distance.Estimate(rssi, txPower),
			Confidence: ConfidenceLow,
			Method:     MethodFallback,
		}
	}

	// byRSSI is still in distance order here
	for _, p := range byRSSI {
		if int(math.Round(p.RSSI)) == rssi {
			return Result{Distance: p.Distance, Confidence: ConfidenceHigh, Method: MethodCalibrated}
		}
	}

	sort.SliceStable(byRSSI, func(i, j int) bool { return byRSSI[i].RSSI < byRSSI[j].RSSI })

	r := float64(rssi)
	lowest, highest := byRSSI[0], byRSSI[len(byRSSI)-1]
	switch {
	case r < lowest.RSSI:
		return Result{Distance: lowest.Distance, Confidence: ConfidenceMedium, Method: MethodExtrapolated}
	case r > highest.RSSI:
		return Result{Distance: highest.Distance, Confidence: ConfidenceMedium, Method: MethodExtrapolated}
	}

	for i := 0; i < len(byRSSI)-1; i++ {
		a, b := byRSSI[i], byRSSI[i+1]
		if r < a.RSSI || r > b.RSSI {
			continue
		}
		if b.RSSI == a.RSSI {
			return Result{Distance: (a.Distance + b.Distance) / 2, Confidence: ConfidenceHigh, Method: MethodInterpolated}
		}
		frac := (r - a.RSSI) / (b.RSSI - a.RSSI)
		return Result{
			Distance:   a.Distance + frac*(b.Distance-a.Distance),
			Confidence: ConfidenceHigh,
			Method:     MethodInterpolated,
		}
	}

	// Unreachable with a non-empty sorted slice.
	return Result{Distance: distance.Estimate(rssi, txPower), Confidence: ConfidenceLow, Method: MethodFallback}
}

// Snapshot returns a copy of the points for the pair, ordered by distance.
func (s *Store) Snapshot(beaconID, gatewayID string) []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points := s.records[Key{BeaconID: beaconID, GatewayID: gatewayID}]
	out := make([]Point, len(points))
	copy(out, points)
	return out
}

// Merge folds persisted records into memory. For a distance present on both
// sides the point with more samples wins, ties going to the persisted one.
// Points are never removed.
func (s *Store) Merge(records []Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, rec := range records {
		points := s.records[rec.Key]
		for _, incoming := range rec.Points {
			if incoming.Distance <= 0 || incoming.SampleCount < 1 {
				continue
			}
			idx := -1
			for i := range points {
				if points[i].Distance == incoming.Distance {
					idx = i
					break
				}
			}
			switch {
			case idx < 0:
				points = append(points, incoming)
				changed++
			case incoming.SampleCount >= points[idx].SampleCount && points[idx] != incoming:
				points[idx] = incoming
				changed++
			}
		}
		sortByDistance(points)
		s.records[rec.Key] = points
	}
	return changed
}

// Keys lists every pair with at least one point.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Key, 0, len(s.records))
	for k, points := range s.records {
		if len(points) > 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

func sortByDistance(points []Point) {
	sort.Slice(points, func(i, j int) bool { return points[i].Distance < points[j].Distance })
}
