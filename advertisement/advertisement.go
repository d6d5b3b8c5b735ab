// Package advertisement turns normalized device records into a device identity
// and the decoded fields of its BLE advertisement.
package advertisement

import (
	"fmt"

	"github.com/eddielth/ble-trans/record"
)

// DeviceIdentity identifies the advertising device.
type DeviceIdentity struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Payload holds the decoded advertisement fields.
type Payload struct {
	LocalName        string            `json:"local_name,omitempty"`
	RSSI             int               `json:"rssi"`
	TxPower          *int              `json:"tx_power,omitempty"`
	Flags            *byte             `json:"flags,omitempty"`
	ManufacturerData map[uint16][]byte `json:"manufacturer_data"`
	ServiceData      map[string][]byte `json:"service_data"`
	ServiceUUIDs     []string          `json:"service_uuids"`
}

// Parser decodes a device record.
type Parser interface {
	Parse(rec record.DeviceRecord) (DeviceIdentity, Payload, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(rec record.DeviceRecord) (DeviceIdentity, Payload, error)

// Parse calls f(rec).
func (f ParserFunc) Parse(rec record.DeviceRecord) (DeviceIdentity, Payload, error) {
	return f(rec)
}

// ParseError reports a record that does not decode as an advertisement.
type ParseError struct {
	MAC    string
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("advertisement %s: %s at offset %d", e.MAC, e.Reason, e.Offset)
	}
	return fmt.Sprintf("advertisement %s: %s", e.MAC, e.Reason)
}
