// Package proximity classifies smoothed distances into danger levels, records
// every decision and hands alerts to the actuation workers.
package proximity

import (
	"time"

	"github.com/google/uuid"

	"procodus.dev/proximity-engine/internal/calibration"
)

// Level is the coarse danger classification of a distance.
type Level string

const (
	LevelSafe    Level = "safe"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

const (
	DefaultDangerDistance  = 2.0
	DefaultWarningDistance = 5.0
)

// Bands holds the classification cut-offs in metres.
type Bands struct {
	Danger  float64
	Warning float64
}

// DefaultBands returns the production cut-offs.
func DefaultBands() Bands {
	return Bands{Danger: DefaultDangerDistance, Warning: DefaultWarningDistance}
}

// Classify maps a distance onto a level. Both bounds are inclusive.
func (b Bands) Classify(d float64) Level {
	switch {
	case d <= b.Danger:
		return LevelDanger
	case d <= b.Warning:
		return LevelWarning
	default:
		return LevelSafe
	}
}

// IsAlert reports whether d is within the alert threshold.
func IsAlert(d, threshold float64) bool {
	return d <= threshold
}

// Observation is a smoothed, accepted reading for one beacon at one gateway.
type Observation struct {
	BeaconID    string
	BeaconMAC   string
	GatewayID   string
	GatewayMAC  string
	RSSI        float64
	Distance    float64
	Threshold   float64
	AutoActuate bool
	Method      calibration.Method
	Confidence  calibration.Confidence
	At          time.Time
}

// Event is the immutable record of one decision.
type Event struct {
	ID          uuid.UUID              `json:"id"`
	BeaconID    string                 `json:"beaconId"`
	GatewayID   string                 `json:"gatewayId"`
	RSSI        float64                `json:"rssi"`
	Distance    float64                `json:"distance"`
	Threshold   float64                `json:"threshold"`
	IsAlert     bool                   `json:"isAlert"`
	DangerLevel Level                  `json:"dangerLevel"`
	Method      calibration.Method     `json:"method"`
	Confidence  calibration.Confidence `json:"confidence"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Evaluate builds the event for an observation.
func (b Bands) Evaluate(obs Observation) *Event {
	return &Event{
		ID:          uuid.New(),
		BeaconID:    obs.BeaconID,
		GatewayID:   obs.GatewayID,
		RSSI:        obs.RSSI,
		Distance:    obs.Distance,
		Threshold:   obs.Threshold,
		IsAlert:     IsAlert(obs.Distance, obs.Threshold),
		DangerLevel: b.Classify(obs.Distance),
		Method:      obs.Method,
		Confidence:  obs.Confidence,
		Timestamp:   obs.At,
	}
}
