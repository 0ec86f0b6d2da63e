// Package smoothing filters per-beacon RSSI/distance streams.
//
// Each beacon keeps a short history bounded by entry count and age. Samples
// implying movement faster than a person can walk are kept in the history but
// never contribute to the smoothed value.
package smoothing

import (
	"math"
	"sync"
	"time"
)

// Config tunes the smoother.
type Config struct {
	// MaxEntries caps the history length per beacon.
	MaxEntries int
	// Window is the maximum age of a retained entry.
	Window time.Duration
	// MinSamples is the number of accepted entries needed before averaging.
	MinSamples int
	// MaxSpeed is the fastest plausible movement in metres per second.
	MaxSpeed float64
	// DecaySeconds is the time constant of the exponential weight.
	DecaySeconds float64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxEntries:   10,
		Window:       3 * time.Second,
		MinSamples:   2,
		MaxSpeed:     1.0,
		DecaySeconds: 2.0,
	}
}

// Sample is one history entry.
type Sample struct {
	At       time.Time
	RSSI     float64
	Distance float64
	Rejected bool
}

// Result is the smoothed reading returned for every added sample. Callers must
// not alert on a result with Valid false.
type Result struct {
	RSSI     float64
	Distance float64
	Valid    bool
	// Samples is the number of accepted entries that produced the value.
	Samples int
}

type history struct {
	entries   []Sample
	lastValid Result
	hasValid  bool
}

// Smoother holds the per-beacon histories. It is safe for concurrent use.
type Smoother struct {
	mu        sync.Mutex
	cfg       Config
	histories map[string]*history
}

// New creates a smoother. Zero fields in cfg take their default.
func New(cfg Config) *Smoother {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = def.MaxSpeed
	}
	if cfg.DecaySeconds <= 0 {
		cfg.DecaySeconds = def.DecaySeconds
	}
	return &Smoother{cfg: cfg, histories: make(map[string]*history)}
}

// Add records a reading taken at 'at' and returns the smoothed value.
func (s *Smoother) Add(beaconID string, at time.Time, rssi int, dist float64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[beaconID]
	if !ok {
		h = &history{}
		s.histories[beaconID] = h
	}

	sample := Sample{At: at, RSSI: float64(rssi), Distance: dist}

	if n := len(h.entries); n > 0 {
		prev := h.entries[n-1]
		elapsed := at.Sub(prev.At).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		if math.Abs(dist-prev.Distance) > s.cfg.MaxSpeed*elapsed {
			sample.Rejected = true
			h.entries = append(h.entries, sample)
			s.prune(h, at)

			if !h.hasValid {
				return Result{RSSI: sample.RSSI, Distance: dist, Valid: false}
			}
			res := h.lastValid
			res.Valid = false
			return res
		}
	}

	h.entries = append(h.entries, sample)
	s.prune(h, at)

	res := s.average(h.entries, at)
	h.lastValid = res
	h.hasValid = true
	return res
}

func (s *Smoother) average(entries []Sample, now time.Time) Result {
	accepted := 0
	for _, e := range entries {
		if !e.Rejected {
			accepted++
		}
	}

	if accepted < s.cfg.MinSamples {
		last := entries[len(entries)-1]
		return Result{RSSI: last.RSSI, Distance: last.Distance, Valid: true, Samples: accepted}
	}

	var sumW, sumRSSI, sumDist float64
	for _, e := range entries {
		if e.Rejected {
			continue
		}
		age := now.Sub(e.At).Seconds()
		if age < 0 {
			age = 0
		}
		w := math.Exp(-age / s.cfg.DecaySeconds)
		sumW += w
		sumRSSI += w * e.RSSI
		sumDist += w * e.Distance
	}

	return Result{
		RSSI:     sumRSSI / sumW,
		Distance: sumDist / sumW,
		Valid:    true,
		Samples:  accepted,
	}
}

// prune drops entries older than the window, then trims to MaxEntries.
func (s *Smoother) prune(h *history, now time.Time) {
	cutoff := now.Add(-s.cfg.Window)
	first := 0
	for first < len(h.entries) && h.entries[first].At.Before(cutoff) {
		first++
	}
	if over := len(h.entries) - first - s.cfg.MaxEntries; over > 0 {
		first += over
	}
	if first > 0 {
		kept := make([]Sample, len(h.entries)-first, s.cfg.MaxEntries+1)
		copy(kept, h.entries[first:])
		h.entries = kept
	}
}

// History returns a copy of the retained entries for a beacon.
func (s *Smoother) History(beaconID string) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[beaconID]
	if !ok {
		return nil
	}
	out := make([]Sample, len(h.entries))
	copy(out, h.entries)
	return out
}

// Sweep forgets beacons whose newest entry has aged out of the window and
// returns how many were removed.
func (s *Smoother) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.cfg.Window)
	removed := 0
	for id, h := range s.histories {
		if len(h.entries) == 0 || h.entries[len(h.entries)-1].At.Before(cutoff) {
			delete(s.histories, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked beacons.
func (s *Smoother) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.histories)
}
