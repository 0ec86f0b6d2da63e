// Package store persists the engine's registry, calibration and event data in
// PostgreSQL through gorm.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Beacon is a registered wearable.
type Beacon struct {
	ID        string         `gorm:"primaryKey"`
	MAC       string         `gorm:"column:mac;uniqueIndex;not null"`
	Name      string         `gorm:"not null;default:''"`
	TxPower   int            `gorm:"not null;default:-59"`
	CreatedAt time.Time      `gorm:"autoCreateTime"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// TableName specifies the table name for Beacon model.
func (Beacon) TableName() string {
	return "beacons"
}

// Gateway is a registered fixed receiver.
type Gateway struct {
	ID              string `gorm:"primaryKey"`
	MAC             string `gorm:"column:mac;uniqueIndex;not null"`
	Name            string `gorm:"not null;default:''"`
	Location        string `gorm:"not null;default:''"`
	AlertThreshold  float64
	AutoActuate     bool `gorm:"not null;default:false"`
	Firmware        string
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time      `gorm:"autoCreateTime"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime"`
	DeletedAt       gorm.DeletedAt `gorm:"index"`
}

// TableName specifies the table name for Gateway model.
func (Gateway) TableName() string {
	return "gateways"
}

// CalibrationPoint is one measured (distance, rssi) pair.
type CalibrationPoint struct {
	ID             uint      `gorm:"primaryKey"`
	BeaconID       string    `gorm:"uniqueIndex:idx_calibration_point;not null"`
	GatewayID      string    `gorm:"uniqueIndex:idx_calibration_point;not null"`
	Distance       float64   `gorm:"uniqueIndex:idx_calibration_point;not null"`
	RSSI           float64   `gorm:"column:rssi;not null"`
	SampleCount    int       `gorm:"not null"`
	LastMeasuredAt time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for CalibrationPoint model.
func (CalibrationPoint) TableName() string {
	return "calibration_points"
}

// ProximityAlertEvent is an append-only decision record.
type ProximityAlertEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	BeaconID    string    `gorm:"index:idx_event_beacon_time;not null"`
	GatewayID   string    `gorm:"not null"`
	RSSI        float64   `gorm:"column:rssi;not null"`
	Distance    float64   `gorm:"not null"`
	Threshold   float64   `gorm:"not null"`
	IsAlert     bool      `gorm:"index;not null"`
	DangerLevel string    `gorm:"not null"`
	Method      string    `gorm:"not null"`
	Confidence  string    `gorm:"not null"`
	Timestamp   time.Time `gorm:"index:idx_event_beacon_time;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
}

// TableName specifies the table name for ProximityAlertEvent model.
func (ProximityAlertEvent) TableName() string {
	return "proximity_alert_events"
}

// Monitoring log kinds.
const (
	KindHeartbeat = "heartbeat"
	KindCommand   = "command"
)

// MonitoringLog records gateway heartbeats and command outcomes.
type MonitoringLog struct {
	ID          uint   `gorm:"primaryKey"`
	Kind        string `gorm:"index;not null"`
	GatewayMAC  string `gorm:"index"`
	DeviceMAC   string
	BeaconID    string
	Sequence    uint32
	Outcome     string
	Message     string
	Firmware    string
	Temperature float64
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
}

// TableName specifies the table name for MonitoringLog model.
func (MonitoringLog) TableName() string {
	return "monitoring_logs"
}

// RetentionPolicy says how long rows of a log table are kept.
type RetentionPolicy struct {
	ID            uint   `gorm:"primaryKey"`
	Target        string `gorm:"column:table_name;uniqueIndex;not null"`
	RetentionDays int    `gorm:"not null"`
	Enabled       bool   `gorm:"not null;default:true"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName specifies the table name for RetentionPolicy model.
func (RetentionPolicy) TableName() string {
	return "retention_policies"
}

// DefaultRetentionPolicies are seeded into an empty policy table.
func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{Target: ProximityAlertEvent{}.TableName(), RetentionDays: 30, Enabled: true},
		{Target: MonitoringLog{}.TableName(), RetentionDays: 7, Enabled: true},
	}
}
