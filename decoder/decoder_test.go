package decoder

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/eddielth/ble-trans/record"
)

func mustMsgpack(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDecodeMsgpackBinaryTuple(t *testing.T) {
	tuple := []byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0xC8, 0x01, 0x02}
	body := mustMsgpack(t, map[string]interface{}{
		"mac":     "AA:BB:CC",
		"devices": []interface{}{tuple},
	})

	report, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC", report.GatewayID)
	require.Len(t, report.Devices, 1)
	assert.Equal(t, record.BinaryEntry(tuple), report.Devices[0])

	rec, err := record.Normalize(report.Devices[0])
	require.NoError(t, err)
	assert.Equal(t, record.DeviceRecord{AdType: 2, MAC: "112233445566", RSSI: -56, Payload: []byte{1, 2}}, rec)
	assert.Equal(t, hex.EncodeToString(tuple[1:7]), rec.MAC)
}

func TestDecodeMsgpackListEntry(t *testing.T) {
	body := mustMsgpack(t, map[string]interface{}{
		"mac":     "gw-1",
		"devices": []interface{}{[]interface{}{0, "A4C138FFEE01", -71, "0201061aff4c00"}},
	})

	report, err := Decode(body)
	require.NoError(t, err)
	require.Len(t, report.Devices, 1)
	assert.Equal(t, record.ListEntry{AdType: 0, MAC: "A4C138FFEE01", RSSI: -71, PayloadHex: "0201061aff4c00"}, report.Devices[0])
}

func TestDecodeMixedEntries(t *testing.T) {
	body := mustMsgpack(t, map[string]interface{}{
		"mac": "gw-2",
		"devices": []interface{}{
			[]byte{0x00, 1, 2, 3, 4, 5, 6, 0xB5},
			[]interface{}{3, "010203040507", -40, ""},
		},
		"v": 1,
	})

	report, err := Decode(body)
	require.NoError(t, err)
	require.Len(t, report.Devices, 2)
	assert.Equal(t, record.BinaryForm, report.Devices[0].Kind())
	assert.Equal(t, record.ListForm, report.Devices[1].Kind())
}

func TestDecodeFallsBackToJSON(t *testing.T) {
	body := []byte(`{"mac":"AA:BB:CC","devices":[[2,"112233445566",-56,"0102"]]}`)

	report, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC", report.GatewayID)
	require.Len(t, report.Devices, 1)

	rec, err := record.Normalize(report.Devices[0])
	require.NoError(t, err)
	assert.Equal(t, record.DeviceRecord{AdType: 2, MAC: "112233445566", RSSI: -56, Payload: []byte{1, 2}}, rec)
}

func TestDecodeSameReportThroughEitherPath(t *testing.T) {
	jsonBody := []byte(`{"mac":"gw","devices":[[0,"010203040506",-60,"020106"],[4,"0a0b0c0d0e0f",-90,""]]}`)
	binBody := mustMsgpack(t, map[string]interface{}{
		"mac": "gw",
		"devices": []interface{}{
			[]interface{}{0, "010203040506", -60, "020106"},
			[]interface{}{4, "0a0b0c0d0e0f", -90, ""},
		},
	})

	fromJSON, err := Decode(jsonBody)
	require.NoError(t, err)
	fromBinary, err := Decode(binBody)
	require.NoError(t, err)
	assert.Equal(t, fromBinary, fromJSON)
}

func TestDecodeJSONBase64Entry(t *testing.T) {
	// base64 of 02 112233445566 c8 0102
	body := []byte(`{"mac":"gw","devices":["AhEiM0RVZsgBAg=="]}`)

	report, err := Decode(body)
	require.NoError(t, err)
	require.Len(t, report.Devices, 1)
	assert.Equal(t, record.BinaryEntry{0x02, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0xC8, 0x01, 0x02}, report.Devices[0])
}

func TestDecodeErrors(t *testing.T) {
	valid := mustMsgpack(t, map[string]interface{}{
		"mac":     "AA:BB:CC",
		"devices": []interface{}{[]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0xC8}},
	})

	tests := []struct {
		name string
		body []byte
		want error
	}{
		{name: "empty", body: nil, want: ErrBinaryMalformed},
		{name: "truncated msgpack", body: valid[:len(valid)-3], want: ErrBinaryMalformed},
		{name: "msgpack wrong shape", body: mustMsgpack(t, "hello"), want: ErrBinaryMalformed},
		{name: "invalid utf8 json", body: []byte("{\"mac\":\"\xff\xfe\",\"devices\":[]}"), want: ErrUndecodable},
		{name: "broken json", body: []byte(`{"mac": "gw", "devices": [`), want: ErrTextMalformed},
		{name: "json wrong types", body: []byte(`{"mac": 12, "devices": []}`), want: ErrTextMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := Decode(tt.body)
			assert.Nil(t, report)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr))
		})
	}
}

func normalizeAll(report *RawReport) (records []record.DeviceRecord, rejected int) {
	for _, entry := range report.Devices {
		rec, err := record.Normalize(entry)
		if err != nil {
			rejected++
			continue
		}
		records = append(records, rec)
	}
	return records, rejected
}

func TestDecodeJSONKeepsValidSiblingsOfBadEntry(t *testing.T) {
	body := []byte(`{"mac":"GW","devices":[[2,"112233445566",-56,"0102"],[2,"aabbccddeeff",-40],[2,"aabbccddeeff","x","01"],"%%%"]}`)

	report, err := Decode(body)
	require.NoError(t, err)
	require.Len(t, report.Devices, 4)
	assert.Equal(t, record.ListForm, report.Devices[0].Kind())
	assert.Equal(t, record.InvalidForm, report.Devices[1].Kind())
	assert.Equal(t, record.InvalidForm, report.Devices[2].Kind())
	assert.Equal(t, record.InvalidForm, report.Devices[3].Kind())

	records, rejected := normalizeAll(report)
	require.Len(t, records, 1)
	assert.Equal(t, "112233445566", records[0].MAC)
	assert.Equal(t, 3, rejected)
}

func TestDecodeMsgpackKeepsValidSiblingsOfBadEntry(t *testing.T) {
	tuple := []byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0xC8, 0x01, 0x02}
	body := mustMsgpack(t, map[string]interface{}{
		"mac": "GW",
		"devices": []interface{}{
			tuple,
			"not-an-entry",
			[]interface{}{1, "aa"},
			[]interface{}{0, "aabbccddeeff", 1.5, ""},
			[]interface{}{0, "aabbccddeeff", -60, ""},
		},
	})

	report, err := Decode(body)
	require.NoError(t, err)
	require.Len(t, report.Devices, 5)
	assert.Equal(t, record.BinaryEntry(tuple), report.Devices[0])
	for _, entry := range report.Devices[1:4] {
		assert.Equal(t, record.InvalidForm, entry.Kind())
	}
	assert.Equal(t, record.ListEntry{AdType: 0, MAC: "aabbccddeeff", RSSI: -60}, report.Devices[4])

	records, rejected := normalizeAll(report)
	assert.Len(t, records, 2)
	assert.Equal(t, 3, rejected)
}

func TestDecodeMsgpackRejectsNonUTF8MAC(t *testing.T) {
	body := mustMsgpack(t, map[string]interface{}{
		"mac": "GW",
		"devices": []interface{}{
			[]interface{}{0, "\xff\xfe", -60, ""},
			[]interface{}{0, "112233445566", -61, ""},
		},
	})

	report, err := Decode(body)
	require.NoError(t, err)
	require.Len(t, report.Devices, 2)
	invalid, ok := report.Devices[0].(record.InvalidEntry)
	require.True(t, ok)
	assert.Contains(t, invalid.Reason, "UTF-8")
	assert.Equal(t, record.ListForm, report.Devices[1].Kind())
}

func TestDecodeErrorMatchesOnKindOnly(t *testing.T) {
	err := &DecodeError{Kind: TextMalformed, Err: errors.New("boom")}
	assert.ErrorIs(t, err, ErrTextMalformed)
	assert.NotErrorIs(t, err, ErrBinaryMalformed)
	assert.Contains(t, err.Error(), "text malformed")
	assert.Contains(t, err.Error(), "boom")
}
