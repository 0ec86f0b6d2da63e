// Package frame defines the JSON wire format exchanged with BLE gateways.
//
// Every inbound payload carries its message type in the "msg" field. Scan
// reports are batched: one advData message lists every beacon the gateway
// heard since its previous report.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MessageType is the value of the "msg" discriminator.
type MessageType string

const (
	TypeAlive   MessageType = "alive"
	TypeAdvData MessageType = "advData"
	TypeAck     MessageType = "ack"
	TypeCommand MessageType = "command"
)

// ResultSuccess is the acknowledgment result code for an executed command.
const ResultSuccess = 0

var (
	// ErrUnknownType is returned for payloads whose "msg" is not recognised.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing required field")
)

// Message is implemented by every decoded payload.
type Message interface {
	MessageType() MessageType
}

// Heartbeat is the periodic gateway liveness report.
type Heartbeat struct {
	Type        MessageType `json:"msg"`
	GatewayMAC  string      `json:"gmac"`
	Firmware    string      `json:"ver,omitempty"`
	Temperature float64     `json:"temp,omitempty"`
}

// ScanReport is a batch of beacon advertisements heard by one gateway.
type ScanReport struct {
	Type       MessageType  `json:"msg"`
	GatewayMAC string       `json:"gmac"`
	Objects    []ScanObject `json:"obj"`
}

// ScanObject is a single advertisement inside a ScanReport.
type ScanObject struct {
	DeviceMAC string    `json:"dmac"`
	UUID      string    `json:"uuid,omitempty"`
	Major     *int      `json:"major,omitempty"`
	Minor     *int      `json:"minor,omitempty"`
	RSSI      int       `json:"rssi"`
	ScanTime  Timestamp `json:"time"`
	Angle     *float64  `json:"angle,omitempty"`
}

// epochMillisFloor separates epoch seconds from epoch milliseconds: 1e11
// seconds lies in the year 5138, 1e11 milliseconds in 1973.
const epochMillisFloor = 1e11

// Timestamp is a scan time in any form gateways send it: an RFC 3339 string
// or a Unix epoch number in seconds or milliseconds. Values in no known form
// decode to the zero time so one odd clock never fails a whole batch.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		data = []byte(s)
	}

	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil || n <= 0 || math.IsInf(n, 0) {
		return nil
	}
	if n >= epochMillisFloor {
		t.Time = time.UnixMilli(int64(n)).UTC()
		return nil
	}
	sec, frac := math.Modf(n)
	t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return nil
}

// MarshalJSON writes RFC 3339, or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time)
}

// Ack is the gateway's acknowledgment of a command delivered to a beacon.
type Ack struct {
	Type       MessageType `json:"msg"`
	DeviceMAC  string      `json:"dmac"`
	Sequence   uint32      `json:"seq"`
	Result     int         `json:"result"`
	Cause      int         `json:"cause"`
	GatewayMAC string      `json:"gmac,omitempty"`
}

// Succeeded reports whether the beacon executed the command.
func (a *Ack) Succeeded() bool {
	return a.Result == ResultSuccess
}

// Command is the outbound actuation request. Gateways echo it back on the bus.
type Command struct {
	Type        MessageType `json:"msg"`
	DeviceMAC   string      `json:"dmac"`
	Sequence    uint32      `json:"seq"`
	Auth        string      `json:"auth,omitempty"`
	PayloadType string      `json:"payloadType"`
	Payload     RingPayload `json:"payload"`
}

// RingPayload asks the beacon to vibrate and blink.
type RingPayload struct {
	Action         string `json:"action"`
	RingType       int    `json:"ringType"`
	RingDurationMs int    `json:"ringDurationMs"`
	LedOnMs        int    `json:"ledOnMs"`
	LedOffMs       int    `json:"ledOffMs"`
}

// DefaultRing is the vibration pattern used for proximity alerts.
func DefaultRing() RingPayload {
	return RingPayload{
		Action:         "ring",
		RingType:       4,
		RingDurationMs: 3000,
		LedOnMs:        500,
		LedOffMs:       500,
	}
}

func (*Heartbeat) MessageType() MessageType  { return TypeAlive }
func (*ScanReport) MessageType() MessageType { return TypeAdvData }
func (*Ack) MessageType() MessageType        { return TypeAck }
func (*Command) MessageType() MessageType    { return TypeCommand }

// Decode parses a raw transport payload into its typed message.
// MAC addresses are normalised on the way in.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type MessageType `json:"msg"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeAlive:
		var hb Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			return nil, fmt.Errorf("decode heartbeat: %w", err)
		}
		hb.GatewayMAC = NormalizeMAC(hb.GatewayMAC)
		return &hb, nil

	case TypeAdvData:
		var rep ScanReport
		if err := json.Unmarshal(data, &rep); err != nil {
			return nil, fmt.Errorf("decode scan report: %w", err)
		}
		if rep.GatewayMAC == "" {
			return nil, fmt.Errorf("scan report gmac: %w", ErrMissingField)
		}
		rep.GatewayMAC = NormalizeMAC(rep.GatewayMAC)
		for i := range rep.Objects {
			rep.Objects[i].DeviceMAC = NormalizeMAC(rep.Objects[i].DeviceMAC)
		}
		return &rep, nil

	case TypeAck:
		var ack Ack
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, fmt.Errorf("decode ack: %w", err)
		}
		if ack.DeviceMAC == "" {
			return nil, fmt.Errorf("ack dmac: %w", ErrMissingField)
		}
		if ack.Sequence == 0 {
			return nil, fmt.Errorf("ack seq: %w", ErrMissingField)
		}
		ack.DeviceMAC = NormalizeMAC(ack.DeviceMAC)
		ack.GatewayMAC = NormalizeMAC(ack.GatewayMAC)
		return &ack, nil

	case TypeCommand:
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode command: %w", err)
		}
		cmd.DeviceMAC = NormalizeMAC(cmd.DeviceMAC)
		return &cmd, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode marshals an outbound message, filling in its type discriminator.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Heartbeat:
		v.Type = TypeAlive
	case *ScanReport:
		v.Type = TypeAdvData
	case *Ack:
		v.Type = TypeAck
	case *Command:
		v.Type = TypeCommand
		if v.PayloadType == "" {
			v.PayloadType = "json"
		}
	}
	return json.Marshal(m)
}

// NormalizeMAC upper-cases a MAC address and strips separators.
func NormalizeMAC(mac string) string {
	r := strings.NewReplacer(":", "", "-", "", " ", "")
	return strings.ToUpper(r.Replace(mac))
}
