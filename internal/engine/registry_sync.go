package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"procodus.dev/proximity-engine/internal/distance"
	"procodus.dev/proximity-engine/internal/store"
	"procodus.dev/proximity-engine/pkg/frame"
)

// DeviceWriter upserts registry records.
type DeviceWriter interface {
	UpsertBeacon(ctx context.Context, b *store.Beacon) error
	UpsertGateway(ctx context.Context, g *store.Gateway) error
}

// RegistrySync applies registry messages to the store and refreshes the
// in-memory registry snapshot.
type RegistrySync struct {
	logger   *slog.Logger
	writer   DeviceWriter
	onChange func(ctx context.Context) error
}

// NewRegistrySync creates a handler for the registry queue. onChange may be nil.
func NewRegistrySync(logger *slog.Logger, writer DeviceWriter, onChange func(ctx context.Context) error) (*RegistrySync, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if writer == nil {
		return nil, errors.New("device writer cannot be nil")
	}
	return &RegistrySync{logger: logger, writer: writer, onChange: onChange}, nil
}

// HandleDelivery decodes and upserts one registry record. Store failures
// are returned wrapped in ErrRequeue.
func (s *RegistrySync) HandleDelivery(ctx context.Context, body []byte) error {
	msg, err := frame.DecodeRegistry(body)
	if err != nil {
		return err
	}

	s.logger.Info("received registry message",
		"kind", msg.Kind,
		"mac", msg.MAC,
		"name", msg.Name,
	)

	switch msg.Kind {
	case frame.KindBeacon:
		txPower := msg.TxPower
		if txPower == 0 {
			txPower = distance.DefaultTxPower
		}
		err = s.writer.UpsertBeacon(ctx, &store.Beacon{
			ID:      msg.ID,
			MAC:     msg.MAC,
			Name:    msg.Name,
			TxPower: txPower,
		})
	case frame.KindGateway:
		err = s.writer.UpsertGateway(ctx, &store.Gateway{
			ID:             msg.ID,
			MAC:            msg.MAC,
			Name:           msg.Name,
			Location:       msg.Location,
			AlertThreshold: msg.AlertThreshold,
			AutoActuate:    msg.AutoActuate,
		})
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequeue, err)
	}

	if s.onChange != nil {
		if err := s.onChange(ctx); err != nil {
			s.logger.Warn("registry refresh failed", "error", err)
		}
	}
	return nil
}
