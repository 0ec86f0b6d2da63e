package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"procodus.dev/proximity-engine/internal/calibration"
	"procodus.dev/proximity-engine/internal/command"
	"procodus.dev/proximity-engine/internal/proximity"
	"procodus.dev/proximity-engine/internal/registry"
	"procodus.dev/proximity-engine/pkg/frame"
)

// Repository is the engine's view of the relational store: it reads the
// registry and writes calibration points, decisions and monitoring logs.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewRepository wraps an open database.
func NewRepository(db *gorm.DB, logger *slog.Logger) (*Repository, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Repository{db: db, logger: logger}, nil
}

// ListBeacons returns every registered beacon.
func (r *Repository) ListBeacons(ctx context.Context) ([]registry.Beacon, error) {
	var rows []Beacon
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query beacons: %w", err)
	}

	out := make([]registry.Beacon, len(rows))
	for i, b := range rows {
		out[i] = registry.Beacon{ID: b.ID, MAC: b.MAC, Name: b.Name, TxPower: b.TxPower}
	}
	return out, nil
}

// ListGateways returns every registered gateway.
func (r *Repository) ListGateways(ctx context.Context) ([]registry.Gateway, error) {
	var rows []Gateway
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query gateways: %w", err)
	}

	out := make([]registry.Gateway, len(rows))
	for i, g := range rows {
		out[i] = registry.Gateway{
			ID:             g.ID,
			MAC:            g.MAC,
			Name:           g.Name,
			AlertThreshold: g.AlertThreshold,
			AutoActuate:    g.AutoActuate,
		}
	}
	return out, nil
}

// UpsertBeacon creates or updates a beacon keyed by MAC address.
func (r *Repository) UpsertBeacon(ctx context.Context, b *Beacon) error {
	mac := frame.NormalizeMAC(b.MAC)
	if mac == "" {
		return errors.New("beacon mac cannot be empty")
	}

	// The lookup row keeps a zero id so gorm matches on mac alone; a new id is
	// only used when the beacon does not exist yet.
	var row Beacon
	result := r.db.WithContext(ctx).
		Where("mac = ?", mac).
		Attrs(map[string]interface{}{"id": newID(b.ID), "mac": mac}).
		Assign(map[string]interface{}{
			"name":     b.Name,
			"tx_power": b.TxPower,
		}).
		FirstOrCreate(&row)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert beacon: %w", result.Error)
	}
	*b = row
	return nil
}

// UpsertGateway creates or updates a gateway keyed by MAC address.
func (r *Repository) UpsertGateway(ctx context.Context, g *Gateway) error {
	mac := frame.NormalizeMAC(g.MAC)
	if mac == "" {
		return errors.New("gateway mac cannot be empty")
	}

	var row Gateway
	result := r.db.WithContext(ctx).
		Where("mac = ?", mac).
		Attrs(map[string]interface{}{"id": newID(g.ID), "mac": mac}).
		Assign(map[string]interface{}{
			"name":            g.Name,
			"location":        g.Location,
			"alert_threshold": g.AlertThreshold,
			"auto_actuate":    g.AutoActuate,
		}).
		FirstOrCreate(&row)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert gateway: %w", result.Error)
	}
	*g = row
	return nil
}

// newID returns id, or a fresh uuid when id is empty.
func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// SaveCalibrationPoint upserts a point keyed by beacon, gateway and distance.
func (r *Repository) SaveCalibrationPoint(ctx context.Context, beaconID, gatewayID string, p calibration.Point) error {
	row := &CalibrationPoint{
		BeaconID:       beaconID,
		GatewayID:      gatewayID,
		Distance:       p.Distance,
		RSSI:           p.RSSI,
		SampleCount:    p.SampleCount,
		LastMeasuredAt: p.LastMeasuredAt,
	}

	result := r.db.WithContext(ctx).
		Where("beacon_id = ? AND gateway_id = ? AND distance = ?", beaconID, gatewayID, p.Distance).
		Assign(map[string]interface{}{
			"rssi":             p.RSSI,
			"sample_count":     p.SampleCount,
			"last_measured_at": p.LastMeasuredAt,
		}).
		FirstOrCreate(row)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert calibration point: %w", result.Error)
	}
	return nil
}

// LoadCalibration reads every stored point grouped into records.
func (r *Repository) LoadCalibration(ctx context.Context) ([]calibration.Record, error) {
	var rows []CalibrationPoint
	if err := r.db.WithContext(ctx).
		Order("beacon_id, gateway_id, distance").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query calibration points: %w", err)
	}
	return groupCalibration(rows), nil
}

func groupCalibration(rows []CalibrationPoint) []calibration.Record {
	var records []calibration.Record
	index := make(map[calibration.Key]int)
	for _, row := range rows {
		key := calibration.Key{BeaconID: row.BeaconID, GatewayID: row.GatewayID}
		i, ok := index[key]
		if !ok {
			i = len(records)
			index[key] = i
			records = append(records, calibration.Record{Key: key})
		}
		records[i].Points = append(records[i].Points, calibration.Point{
			Distance:       row.Distance,
			RSSI:           row.RSSI,
			SampleCount:    row.SampleCount,
			LastMeasuredAt: row.LastMeasuredAt,
		})
	}
	return records
}

// SaveEvent appends a proximity decision.
func (r *Repository) SaveEvent(ctx context.Context, e *proximity.Event) error {
	row := &ProximityAlertEvent{
		ID:          e.ID,
		BeaconID:    e.BeaconID,
		GatewayID:   e.GatewayID,
		RSSI:        e.RSSI,
		Distance:    e.Distance,
		Threshold:   e.Threshold,
		IsAlert:     e.IsAlert,
		DangerLevel: string(e.DangerLevel),
		Method:      string(e.Method),
		Confidence:  string(e.Confidence),
		Timestamp:   e.Timestamp,
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to insert proximity event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events, optionally for one beacon.
func (r *Repository) RecentEvents(ctx context.Context, beaconID string, limit int) ([]ProximityAlertEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := r.db.WithContext(ctx).Order("timestamp DESC").Limit(limit)
	if beaconID != "" {
		q = q.Where("beacon_id = ?", beaconID)
	}

	var rows []ProximityAlertEvent
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query proximity events: %w", err)
	}
	return rows, nil
}

// RecordHeartbeat logs a gateway heartbeat and refreshes the gateway row.
func (r *Repository) RecordHeartbeat(ctx context.Context, hb *frame.Heartbeat) error {
	now := time.Now().UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&MonitoringLog{
			Kind:        KindHeartbeat,
			GatewayMAC:  hb.GatewayMAC,
			Message:     "gateway alive",
			Firmware:    hb.Firmware,
			Temperature: hb.Temperature,
		}).Error; err != nil {
			return fmt.Errorf("failed to insert heartbeat log: %w", err)
		}

		if err := tx.Model(&Gateway{}).
			Where("mac = ?", hb.GatewayMAC).
			Updates(map[string]interface{}{
				"firmware":          hb.Firmware,
				"last_heartbeat_at": now,
			}).Error; err != nil {
			return fmt.Errorf("failed to update gateway heartbeat: %w", err)
		}
		return nil
	})
}

// RecordCommand logs a resolved command.
func (r *Repository) RecordCommand(ctx context.Context, e command.LogEntry) error {
	row := &MonitoringLog{
		Kind:       KindCommand,
		GatewayMAC: e.GatewayMAC,
		DeviceMAC:  e.DeviceMAC,
		BeaconID:   e.BeaconID,
		Sequence:   e.Sequence,
		Outcome:    e.Outcome,
		Message:    e.Message,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to insert command log: %w", err)
	}
	return nil
}

// EnsureRetentionPolicies seeds the defaults into an empty policy table.
func (r *Repository) EnsureRetentionPolicies(ctx context.Context) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&RetentionPolicy{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count retention policies: %w", err)
	}
	if count > 0 {
		return nil
	}

	policies := DefaultRetentionPolicies()
	if err := r.db.WithContext(ctx).Create(&policies).Error; err != nil {
		return fmt.Errorf("failed to seed retention policies: %w", err)
	}
	r.logger.Info("seeded default retention policies", "count", len(policies))
	return nil
}

// retainable maps policy targets to the models they may purge.
var retainable = map[string]func() interface{}{
	ProximityAlertEvent{}.TableName(): func() interface{} { return &ProximityAlertEvent{} },
	MonitoringLog{}.TableName():       func() interface{} { return &MonitoringLog{} },
}

// SweepRetention deletes rows older than their table's enabled policy and
// returns the deleted row count per table.
func (r *Repository) SweepRetention(ctx context.Context, now time.Time) (map[string]int64, error) {
	var policies []RetentionPolicy
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("failed to query retention policies: %w", err)
	}

	deleted := make(map[string]int64)
	for _, p := range policies {
		model, ok := retainable[p.Target]
		if !ok {
			r.logger.Warn("ignoring retention policy for unknown table", "table", p.Target)
			continue
		}
		if p.RetentionDays <= 0 {
			continue
		}

		cutoff := now.AddDate(0, 0, -p.RetentionDays)
		result := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(model())
		if result.Error != nil {
			return deleted, fmt.Errorf("failed to purge %s: %w", p.Target, result.Error)
		}
		deleted[p.Target] = result.RowsAffected
	}
	return deleted, nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.PingContext(ctx)
}
