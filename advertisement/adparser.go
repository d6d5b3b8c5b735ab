package advertisement

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/eddielth/ble-trans/record"
)

// AD structure types, Bluetooth Core Supplement part A.
const (
	adFlags          = 0x01
	adIncomplete16   = 0x02
	adComplete16     = 0x03
	adIncomplete32   = 0x04
	adComplete32     = 0x05
	adIncomplete128  = 0x06
	adComplete128    = 0x07
	adShortName      = 0x08
	adCompleteName   = 0x09
	adTxPower        = 0x0A
	adServiceData16  = 0x16
	adServiceData32  = 0x20
	adServiceData128 = 0x21
	adManufacturer   = 0xFF
)

const macLen = 12

// baseUUIDSuffix completes 16 and 32 bit UUIDs to the Bluetooth base UUID.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// ADParser decodes the length/type/value AD structures of a legacy advertisement.
type ADParser struct{}

// NewADParser returns the default advertisement parser.
func NewADParser() *ADParser {
	return &ADParser{}
}

// Parse implements Parser.
func (p *ADParser) Parse(rec record.DeviceRecord) (DeviceIdentity, Payload, error) {
	address, err := FormatAddress(rec.MAC)
	if err != nil {
		return DeviceIdentity{}, Payload{}, &ParseError{MAC: rec.MAC, Offset: -1, Reason: err.Error()}
	}

	payload := Payload{
		RSSI:             rec.RSSI,
		ManufacturerData: make(map[uint16][]byte),
		ServiceData:      make(map[string][]byte),
		ServiceUUIDs:     []string{},
	}
	seen := make(map[string]bool)
	addUUID := func(u string) {
		if !seen[u] {
			seen[u] = true
			payload.ServiceUUIDs = append(payload.ServiceUUIDs, u)
		}
	}

	data := rec.Payload
	for i := 0; i < len(data); {
		length := int(data[i])
		if length == 0 {
			// zero length marks padding up to the end of the PDU
			break
		}
		if i+1+length > len(data) {
			return DeviceIdentity{}, Payload{}, &ParseError{MAC: rec.MAC, Offset: i, Reason: "truncated AD structure"}
		}

		adType := data[i+1]
		value := data[i+2 : i+1+length]

		switch adType {
		case adFlags:
			if len(value) > 0 {
				f := value[0]
				payload.Flags = &f
			}
		case adIncomplete16, adComplete16:
			for j := 0; j+2 <= len(value); j += 2 {
				addUUID(uuid16(value[j : j+2]))
			}
		case adIncomplete32, adComplete32:
			for j := 0; j+4 <= len(value); j += 4 {
				addUUID(uuid32(value[j : j+4]))
			}
		case adIncomplete128, adComplete128:
			for j := 0; j+16 <= len(value); j += 16 {
				addUUID(uuid128(value[j : j+16]))
			}
		case adShortName:
			if payload.LocalName == "" {
				payload.LocalName = cleanName(value)
			}
		case adCompleteName:
			payload.LocalName = cleanName(value)
		case adTxPower:
			if len(value) > 0 {
				tx := int(int8(value[0]))
				payload.TxPower = &tx
			}
		case adServiceData16:
			if len(value) >= 2 {
				payload.ServiceData[uuid16(value[:2])] = copyBytes(value[2:])
			}
		case adServiceData32:
			if len(value) >= 4 {
				payload.ServiceData[uuid32(value[:4])] = copyBytes(value[4:])
			}
		case adServiceData128:
			if len(value) >= 16 {
				payload.ServiceData[uuid128(value[:16])] = copyBytes(value[16:])
			}
		case adManufacturer:
			if len(value) < 2 {
				return DeviceIdentity{}, Payload{}, &ParseError{MAC: rec.MAC, Offset: i, Reason: "manufacturer data without company id"}
			}
			payload.ManufacturerData[binary.LittleEndian.Uint16(value[:2])] = copyBytes(value[2:])
		}

		i += 1 + length
	}

	return DeviceIdentity{Address: address, Name: payload.LocalName}, payload, nil
}

// FormatAddress turns a 12 digit hex MAC into AA:BB:CC:DD:EE:FF.
func FormatAddress(mac string) (string, error) {
	if len(mac) != macLen {
		return "", fmt.Errorf("mac %q is not %d hex digits", mac, macLen)
	}
	if _, err := hex.DecodeString(mac); err != nil {
		return "", fmt.Errorf("mac %q: %w", mac, err)
	}

	upper := strings.ToUpper(mac)
	parts := make([]string, 0, macLen/2)
	for i := 0; i < macLen; i += 2 {
		parts = append(parts, upper[i:i+2])
	}
	return strings.Join(parts, ":"), nil
}

func uuid16(b []byte) string {
	return fmt.Sprintf("0000%04x%s", binary.LittleEndian.Uint16(b), baseUUIDSuffix)
}

func uuid32(b []byte) string {
	return fmt.Sprintf("%08x%s", binary.LittleEndian.Uint32(b), baseUUIDSuffix)
}

// uuid128 formats a little-endian 128 bit UUID.
func uuid128(b []byte) string {
	r := make([]byte, 16)
	for i := range b {
		r[15-i] = b[i]
	}
	h := hex.EncodeToString(r)
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

func cleanName(b []byte) string {
	return strings.ToValidUTF8(strings.TrimRight(string(b), "\x00"), "")
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
