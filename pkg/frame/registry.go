package frame

import (
	"encoding/json"
	"fmt"
)

// Registry message kinds.
const (
	KindBeacon  = "beacon"
	KindGateway = "gateway"
)

// RegistryMessage announces a beacon or gateway on the registry queue.
type RegistryMessage struct {
	Kind           string  `json:"kind"`
	ID             string  `json:"id,omitempty"`
	MAC            string  `json:"mac"`
	Name           string  `json:"name,omitempty"`
	TxPower        int     `json:"txPower,omitempty"`
	Location       string  `json:"location,omitempty"`
	AlertThreshold float64 `json:"alertThreshold,omitempty"`
	AutoActuate    bool    `json:"autoActuate,omitempty"`
}

// DecodeRegistry parses and validates a registry message.
func DecodeRegistry(data []byte) (*RegistryMessage, error) {
	var m RegistryMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode registry message: %w", err)
	}
	if m.Kind != KindBeacon && m.Kind != KindGateway {
		return nil, fmt.Errorf("%w: registry kind %q", ErrUnknownType, m.Kind)
	}
	m.MAC = NormalizeMAC(m.MAC)
	if m.MAC == "" {
		return nil, fmt.Errorf("registry message mac: %w", ErrMissingField)
	}
	return &m, nil
}
