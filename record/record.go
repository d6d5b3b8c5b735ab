// Package record turns the device entries carried in a gateway report into
// canonical device records.
package record

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Layout of the binary device tuple.
const (
	adTypeIndex    = 0
	macStart       = 1
	macEnd         = 7
	rssiIndex      = 7
	payloadStart   = 8
	rssiBias       = 256
	minBinaryEntry = payloadStart
)

// EntryKind tags the wire shape of a RawDeviceEntry.
type EntryKind int

const (
	// BinaryForm is the fixed binary tuple emitted by msgpack gateways.
	BinaryForm EntryKind = iota
	// ListForm is the [adType, mac, rssi, payloadHex] list.
	ListForm
	// InvalidForm is an entry whose shape matched neither form.
	InvalidForm
)

func (k EntryKind) String() string {
	switch k {
	case BinaryForm:
		return "binary"
	case ListForm:
		return "list"
	case InvalidForm:
		return "invalid"
	default:
		return fmt.Sprintf("EntryKind(%d)", int(k))
	}
}

// RawDeviceEntry is one device entry as found in a report.
type RawDeviceEntry interface {
	Kind() EntryKind
}

// BinaryEntry is adType || mac[6] || rssi || payload.
type BinaryEntry []byte

// Kind implements RawDeviceEntry
func (BinaryEntry) Kind() EntryKind { return BinaryForm }

// ListEntry is the list form of a device entry.
type ListEntry struct {
	AdType     int
	MAC        string
	RSSI       int
	PayloadHex string
}

// Kind implements RawDeviceEntry
func (ListEntry) Kind() EntryKind { return ListForm }

// InvalidEntry stands in for an entry that could not be read, so the rest
// of its report is still processed. Normalize always rejects it.
type InvalidEntry struct {
	Reason string
}

// Kind implements RawDeviceEntry
func (InvalidEntry) Kind() EntryKind { return InvalidForm }

// DeviceRecord is the canonical, format independent device record.
type DeviceRecord struct {
	AdType  int    `json:"ad_type"`
	MAC     string `json:"mac"`
	RSSI    int    `json:"rssi"`
	Payload []byte `json:"payload"`
}

// QueueItem is the unit of work handed from the receive path to the processing loop.
type QueueItem struct {
	GatewayID string
	Device    DeviceRecord
}

// Normalize converts either entry shape into a DeviceRecord.
// MAC length and RSSI range are not checked here.
func Normalize(entry RawDeviceEntry) (DeviceRecord, error) {
	switch e := entry.(type) {
	case BinaryEntry:
		return normalizeBinary(e)
	case ListEntry:
		return normalizeList(e)
	case InvalidEntry:
		return DeviceRecord{}, fmt.Errorf("malformed device entry: %s", e.Reason)
	case nil:
		return DeviceRecord{}, fmt.Errorf("nil device entry")
	default:
		return DeviceRecord{}, fmt.Errorf("unsupported device entry %T", entry)
	}
}

func normalizeBinary(data BinaryEntry) (DeviceRecord, error) {
	if len(data) < minBinaryEntry {
		return DeviceRecord{}, fmt.Errorf("binary device entry too short: %d bytes", len(data))
	}

	payload := make([]byte, len(data)-payloadStart)
	copy(payload, data[payloadStart:])

	return DeviceRecord{
		AdType:  int(data[adTypeIndex]),
		MAC:     hex.EncodeToString(data[macStart:macEnd]),
		RSSI:    int(data[rssiIndex]) - rssiBias,
		Payload: payload,
	}, nil
}

func normalizeList(e ListEntry) (DeviceRecord, error) {
	payload, err := hex.DecodeString(e.PayloadHex)
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("invalid advertisement hex for %s: %w", e.MAC, err)
	}

	return DeviceRecord{
		AdType:  e.AdType,
		MAC:     strings.ToLower(e.MAC),
		RSSI:    e.RSSI,
		Payload: payload,
	}, nil
}
