// Package decoder turns gateway message bodies into raw reports. Gateways in
// the field publish either msgpack or JSON, so msgpack is tried first and JSON
// is used when the body holds more than one msgpack value.
package decoder

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/eddielth/ble-trans/logger"
	"github.com/eddielth/ble-trans/record"
)

// minListEntryLen is the number of fields in [adType, mac, rssi, payloadHex].
const minListEntryLen = 4

// errExtraData marks a msgpack body followed by trailing bytes.
var errExtraData = errors.New("msgpack: extra data after first value")

// RawReport is one decoded gateway message.
type RawReport struct {
	GatewayID string
	Devices   []record.RawDeviceEntry
}

type wireReport struct {
	Mac     string      `msgpack:"mac" json:"mac"`
	Devices []wireEntry `msgpack:"devices" json:"devices"`
}

type wireEntry struct {
	entry record.RawDeviceEntry
}

// Decode decodes a message body, msgpack first, JSON on trailing data.
func Decode(body []byte) (*RawReport, error) {
	report, err := decodeBinary(body)
	if err == nil {
		return report, nil
	}
	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return nil, decErr
	}
	if !errors.Is(err, errExtraData) {
		return nil, &DecodeError{Kind: BinaryMalformed, Err: err}
	}

	logger.Debug("msgpack cannot decode data: %v, try json instead", err)
	report, err = DecodeJSON(body)
	if err != nil {
		return nil, err
	}
	logger.Debug("json data from gateway %s", report.GatewayID)
	return report, nil
}

// DecodeJSON decodes a UTF-8 JSON body.
func DecodeJSON(body []byte) (*RawReport, error) {
	if !utf8.Valid(body) {
		return nil, &DecodeError{Kind: Undecodable, Err: errors.New("payload is not valid UTF-8")}
	}

	var wr wireReport
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, &DecodeError{Kind: TextMalformed, Err: err}
	}
	if !utf8.ValidString(wr.Mac) {
		return nil, &DecodeError{Kind: Undecodable, Err: errors.New("gateway id is not valid UTF-8")}
	}
	return wr.report(), nil
}

func decodeBinary(body []byte) (*RawReport, error) {
	rd := bytes.NewReader(body)
	dec := msgpack.NewDecoder(rd)
	if err := dec.Skip(); err != nil {
		return nil, err
	}
	if rd.Len() > 0 {
		return nil, fmt.Errorf("%w: %d bytes", errExtraData, rd.Len())
	}

	var wr wireReport
	if err := msgpack.Unmarshal(body, &wr); err != nil {
		return nil, err
	}
	if !utf8.ValidString(wr.Mac) {
		return nil, &DecodeError{Kind: Undecodable, Err: errors.New("gateway id is not valid UTF-8")}
	}
	return wr.report(), nil
}

func (wr *wireReport) report() *RawReport {
	devices := make([]record.RawDeviceEntry, 0, len(wr.Devices))
	for _, d := range wr.Devices {
		if d.entry != nil {
			devices = append(devices, d.entry)
		}
	}
	return &RawReport{GatewayID: wr.Mac, Devices: devices}
}

// DecodeMsgpack reads a device entry as either a bin blob or a list. An entry
// of any other shape is kept as an InvalidEntry instead of failing the report.
func (w *wireEntry) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return err
	}
	w.entry = entryFromValue(v)
	return nil
}

// UnmarshalJSON reads a device entry list; a JSON string is taken as base64 bytes.
func (w *wireEntry) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	if str, ok := v.(string); ok {
		b, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			w.entry = record.InvalidEntry{Reason: fmt.Sprintf("device entry is not base64: %v", err)}
			return nil
		}
		w.entry = record.BinaryEntry(b)
		return nil
	}

	w.entry = entryFromValue(v)
	return nil
}

func entryFromValue(v interface{}) record.RawDeviceEntry {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return record.BinaryEntry(x)
	case []interface{}:
		return listEntry(x)
	default:
		return record.InvalidEntry{Reason: fmt.Sprintf("device entry is a %T, want bytes or list", v)}
	}
}

func listEntry(fields []interface{}) record.RawDeviceEntry {
	invalid := func(format string, args ...interface{}) record.RawDeviceEntry {
		return record.InvalidEntry{Reason: fmt.Sprintf(format, args...)}
	}

	if len(fields) < minListEntryLen {
		return invalid("device entry has %d fields, want %d", len(fields), minListEntryLen)
	}

	var (
		e  record.ListEntry
		ok bool
	)
	if e.AdType, ok = toInt(fields[0]); !ok {
		return invalid("device entry ad type is %T", fields[0])
	}
	if e.MAC, ok = fields[1].(string); !ok {
		return invalid("device entry mac is %T", fields[1])
	}
	if !utf8.ValidString(e.MAC) {
		return invalid("device entry mac is not valid UTF-8")
	}
	if e.RSSI, ok = toInt(fields[2]); !ok {
		return invalid("device entry rssi is %T", fields[2])
	}
	if e.PayloadHex, ok = fields[3].(string); !ok {
		return invalid("device entry payload is %T", fields[3])
	}
	return e
}

// toInt accepts msgpack integers of any width and integral JSON numbers.
func toInt(v interface{}) (int, bool) {
	var f float64
	switch n := v.(type) {
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		f = float64(n)
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0, false
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
