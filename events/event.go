// Package events defines the advertisement event handed to subscribers and the
// bus that fans events out to them.
package events

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// AdvertisementEvent is built once per processed record. Timestamp carries
// the monotonic clock reading of the observation.
type AdvertisementEvent struct {
	Name             string
	Address          string
	RSSI             int
	TxPower          *int
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	ServiceUUIDs     []string
	Source           string
	GatewayID        string
	Timestamp        time.Time
	Connectable      bool
}

// Clone returns a deep copy so each subscriber owns its event.
func (e AdvertisementEvent) Clone() AdvertisementEvent {
	out := e
	if e.TxPower != nil {
		tx := *e.TxPower
		out.TxPower = &tx
	}
	if e.ManufacturerData != nil {
		out.ManufacturerData = make(map[uint16][]byte, len(e.ManufacturerData))
		for k, v := range e.ManufacturerData {
			out.ManufacturerData[k] = append([]byte(nil), v...)
		}
	}
	if e.ServiceData != nil {
		out.ServiceData = make(map[string][]byte, len(e.ServiceData))
		for k, v := range e.ServiceData {
			out.ServiceData[k] = append([]byte(nil), v...)
		}
	}
	if e.ServiceUUIDs != nil {
		out.ServiceUUIDs = append([]string(nil), e.ServiceUUIDs...)
	}
	return out
}

type wireEvent struct {
	Name             string            `json:"name"`
	Address          string            `json:"address"`
	RSSI             int               `json:"rssi"`
	TxPower          *int              `json:"tx_power,omitempty"`
	ManufacturerData map[string]string `json:"manufacturer_data"`
	ServiceData      map[string]string `json:"service_data"`
	ServiceUUIDs     []string          `json:"service_uuids"`
	Source           string            `json:"source"`
	GatewayID        string            `json:"gateway_id"`
	Timestamp        time.Time         `json:"timestamp"`
	Connectable      bool              `json:"connectable"`
}

// MarshalJSON encodes byte payloads as hex and manufacturer ids as decimal keys.
func (e AdvertisementEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Name:             e.Name,
		Address:          e.Address,
		RSSI:             e.RSSI,
		TxPower:          e.TxPower,
		ManufacturerData: make(map[string]string, len(e.ManufacturerData)),
		ServiceData:      make(map[string]string, len(e.ServiceData)),
		ServiceUUIDs:     e.ServiceUUIDs,
		Source:           e.Source,
		GatewayID:        e.GatewayID,
		Timestamp:        e.Timestamp.Round(0),
		Connectable:      e.Connectable,
	}
	if w.ServiceUUIDs == nil {
		w.ServiceUUIDs = []string{}
	}
	for id, data := range e.ManufacturerData {
		w.ManufacturerData[strconv.Itoa(int(id))] = hex.EncodeToString(data)
	}
	for uuid, data := range e.ServiceData {
		w.ServiceData[uuid] = hex.EncodeToString(data)
	}
	return json.Marshal(w)
}
