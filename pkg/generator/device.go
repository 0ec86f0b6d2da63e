// Package generator produces simulated beacons, gateways and their radio
// readings.
package generator

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/proximity-engine/pkg/frame"
)

// Beacon is a simulated wearable.
type Beacon struct {
	ID      string `fake:"{uuid}"`
	MAC     string `fake:"{macaddress}"`
	Name    string `fake:"{firstname} {lastname}"`
	TxPower int    `fake:"skip"`
}

// Gateway is a simulated fixed receiver mounted on a machine.
type Gateway struct {
	ID             string  `fake:"{uuid}"`
	MAC            string  `fake:"{macaddress}"`
	Name           string  `fake:"{noun}"`
	Location       string  `fake:"{city}"`
	Firmware       string  `fake:"{appversion}"`
	AlertThreshold float64 `fake:"skip"`
	AutoActuate    bool    `fake:"skip"`
}

// NewBeacon returns a beacon with a normalized MAC and a tx power around
// the usual -59 dBm at one metre.
func NewBeacon() *Beacon {
	var b Beacon
	if err := gofakeit.Struct(&b); err != nil {
		return nil
	}
	b.MAC = frame.NormalizeMAC(b.MAC)
	b.TxPower = -59 + gofakeit.Number(-3, 3)
	return &b
}

// NewGateway returns an auto-actuating gateway with an alert threshold
// between 3 and 6 metres.
func NewGateway() *Gateway {
	var g Gateway
	if err := gofakeit.Struct(&g); err != nil {
		return nil
	}
	g.MAC = frame.NormalizeMAC(g.MAC)
	g.Name = strings.ToLower(g.Name) + "-" + g.MAC[len(g.MAC)-4:]
	g.AlertThreshold = math.Round(gofakeit.Float64Range(3, 6)*10) / 10
	g.AutoActuate = true
	return &g
}

// Walk moves a worker around a machine at walking pace.
type Walk struct {
	distance float64
	min      float64
	max      float64
	speed    float64
	heading  float64
	noise    float64
	rng      *rand.Rand
}

// NewWalk starts a walk at start metres, bounded to [min, max]. speed is the
// largest step in metres per second.
func NewWalk(start, min, max, speed float64, seed int64) *Walk {
	return &Walk{
		distance: math.Max(min, math.Min(max, start)),
		min:      min,
		max:      max,
		speed:    speed,
		heading:  1,
		noise:    4,
		rng:      rand.New(rand.NewSource(seed)), // #nosec G404 - weak random is acceptable for simulation
	}
}

// Distance returns the current ground-truth distance.
func (w *Walk) Distance() float64 {
	return w.distance
}

// Step advances the walk by dt and returns the new distance.
func (w *Walk) Step(dt time.Duration) float64 {
	// Occasionally turn around (15% chance)
	if w.rng.Float64() < 0.15 {
		w.heading = -w.heading
	}

	step := w.heading * w.rng.Float64() * w.speed * dt.Seconds()
	w.distance += step

	// Bounce off the bounds
	if w.distance < w.min {
		w.distance = 2*w.min - w.distance
		w.heading = 1
	}
	if w.distance > w.max {
		w.distance = 2*w.max - w.distance
		w.heading = -1
	}
	w.distance = math.Max(w.min, math.Min(w.max, w.distance))
	return w.distance
}

// RSSI returns a noisy reading for the current distance.
func (w *Walk) RSSI(txPower int) int {
	noise := (w.rng.Float64() - 0.5) * w.noise
	return RSSIAt(w.distance, txPower, noise)
}

// RSSIAt applies a free-space log-distance model plus noise, clamped to the
// valid dBm range.
func RSSIAt(distance float64, txPower int, noise float64) int {
	if distance < 0.1 {
		distance = 0.1
	}
	rssi := float64(txPower) - 20*math.Log10(distance) + noise
	return int(math.Max(-100, math.Min(0, math.Round(rssi))))
}

// Temperature returns a gateway board temperature with a daily cycle.
func Temperature(t time.Time, baseline float64) float64 {
	hour := float64(t.Hour())

	// Daily cycle (peak around 2-3 PM)
	dailyCycle := 5 * math.Sin((hour-6)*math.Pi/12)

	// Random noise
	noise := (rand.Float64() - 0.5) * 2 // #nosec G404 - weak random is acceptable for simulation

	return math.Round((baseline+dailyCycle+noise)*10) / 10
}
