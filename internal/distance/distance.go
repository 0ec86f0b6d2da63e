// Package distance converts RSSI readings into an uncalibrated distance estimate.
package distance

import "math"

const (
	// DefaultTxPower is the assumed RSSI at one metre when a beacon reports none.
	DefaultTxPower = -59
	// MinDistance and MaxDistance bound every estimate, in metres.
	MinDistance = 0.1
	MaxDistance = 100.0
)

// Estimate applies the piecewise path-loss curve used when no calibration
// data exists for a beacon/gateway pair.
func Estimate(rssi, txPower int) float64 {
	if txPower == 0 {
		txPower = DefaultTxPower
	}

	ratio := float64(rssi) / float64(txPower)

	var d float64
	if ratio < 1.0 {
		d = math.Pow(ratio, 10)
	} else {
		d = 0.89976*math.Pow(ratio, 7.7095) + 0.111
	}

	return Clamp(d)
}

// Clamp limits d to [MinDistance, MaxDistance].
func Clamp(d float64) float64 {
	if math.IsNaN(d) || d < MinDistance {
		return MinDistance
	}
	if d > MaxDistance {
		return MaxDistance
	}
	return d
}
