package transformer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/ble-trans/config"
	"github.com/eddielth/ble-trans/events"
)

const ibeaconScript = `
function transform(adv) {
	var b = hexToBytes(adv.payload);
	if (b[0] !== 0x02 || b[1] !== 0x15) {
		throw new Error("not an iBeacon frame");
	}
	return {
		device_type: "ibeacon",
		attributes: [
			{ name: "major", type: "int", value: readUint16BE(b, 18), quality: 100 },
			{ name: "minor", type: "int", value: readUint16BE(b, 20), quality: 100 },
			{ name: "measured_power", type: "int", value: b[22] - 256, unit: "dBm", quality: 100 }
		],
		metadata: { manufacturer: adv.manufacturerId }
	};
}
`

const thermometerScript = `
function transform(adv) {
	var b = hexToBytes(adv.serviceData["0000181a-0000-1000-8000-00805f9b34fb"]);
	var c = readInt16LE(b, 0) / 100;
	return {
		device_name: "thermo-" + adv.address,
		attributes: [
			{ name: "temperature", type: "float", value: convertTemperature(c, "C", "F"), unit: "F",
			  quality: validateRange(c, -40, 85) ? 100 : 0 }
		]
	};
}
`

func intPtr(v int) *int { return &v }

func ibeaconEvent() events.AdvertisementEvent {
	payload := []byte{0x02, 0x15}
	payload = append(payload, make([]byte, 16)...)
	payload = append(payload, 0x00, 0x01, 0x00, 0x02, 0xC5)
	return events.AdvertisementEvent{
		Name:             "beacon",
		Address:          "AA:BB:CC:DD:EE:FF",
		RSSI:             -60,
		ManufacturerData: map[uint16][]byte{0x004C: payload},
		Source:           "ab_gateway_GW01",
		GatewayID:        "GW01",
		Timestamp:        time.UnixMilli(1700000000000),
	}
}

func TestTransformByManufacturer(t *testing.T) {
	m, err := NewManager(map[string]config.Transformer{
		"ibeacon": {ScriptCode: ibeaconScript, ManufacturerID: intPtr(0x004C)},
	})
	require.NoError(t, err)

	data, err := m.Transform(ibeaconEvent())
	require.NoError(t, err)

	assert.Equal(t, "ibeacon", data.DeviceType)
	assert.Equal(t, "beacon", data.DeviceName)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", data.Address)
	assert.Equal(t, "ab_gateway_GW01", data.Source)
	assert.Equal(t, int64(1700000000000), data.Timestamp)
	require.Len(t, data.Attributes, 3)
	assert.Equal(t, "major", data.Attributes[0].Name)
	assert.EqualValues(t, 1, data.Attributes[0].Value)
	assert.EqualValues(t, 2, data.Attributes[1].Value)
	assert.EqualValues(t, -59, data.Attributes[2].Value)
	assert.EqualValues(t, 76, data.Metadata["manufacturer"])
}

func TestTransformScriptError(t *testing.T) {
	m, err := NewManager(map[string]config.Transformer{
		"ibeacon": {ScriptCode: ibeaconScript, ManufacturerID: intPtr(0x004C)},
	})
	require.NoError(t, err)

	ev := ibeaconEvent()
	ev.ManufacturerData[0x004C] = []byte{0x01, 0x02}
	_, err = m.Transform(ev)
	assert.Error(t, err)
}

func TestTransformDefaultScript(t *testing.T) {
	m, err := NewManager(map[string]config.Transformer{
		DefaultName: {ScriptCode: thermometerScript},
	})
	require.NoError(t, err)

	ev := events.AdvertisementEvent{
		Name:        "ATC",
		Address:     "A4:C1:38:00:00:01",
		ServiceData: map[string][]byte{"0000181a-0000-1000-8000-00805f9b34fb": {0xF4, 0x01}},
		Timestamp:   time.Now(),
	}
	data, err := m.Transform(ev)
	require.NoError(t, err)

	assert.Equal(t, DefaultName, data.DeviceType)
	assert.Equal(t, "thermo-A4:C1:38:00:00:01", data.DeviceName)
	require.Len(t, data.Attributes, 1)
	assert.InDelta(t, 41.0, data.Attributes[0].Value, 0.001)
	assert.Equal(t, 100, data.Attributes[0].Quality)
}

func TestTransformBuiltin(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	tx := -4
	ev := events.AdvertisementEvent{
		Name:             "tag",
		Address:          "AA:BB:CC:DD:EE:FF",
		RSSI:             -70,
		TxPower:          &tx,
		ManufacturerData: map[uint16][]byte{0x0059: {0x01, 0x02}},
		ServiceUUIDs:     []string{"0000feaa-0000-1000-8000-00805f9b34fb"},
		Connectable:      true,
		Timestamp:        time.UnixMilli(42),
	}
	data, err := m.Transform(ev)
	require.NoError(t, err)

	assert.Equal(t, BuiltinType, data.DeviceType)
	assert.Equal(t, int64(42), data.Timestamp)
	require.Len(t, data.Attributes, 3)
	assert.Equal(t, "rssi", data.Attributes[0].Name)
	assert.Equal(t, "tx_power", data.Attributes[1].Name)
	assert.Equal(t, "manufacturer_0059", data.Attributes[2].Name)
	assert.Equal(t, "0102", data.Attributes[2].Value)
	assert.Equal(t, true, data.Metadata["connectable"])
}

func TestNewManagerErrors(t *testing.T) {
	_, err := NewManager(map[string]config.Transformer{"empty": {}})
	assert.Error(t, err)

	_, err = NewManager(map[string]config.Transformer{"nofunc": {ScriptCode: "var x = 1;"}})
	assert.Error(t, err)

	_, err = NewManager(map[string]config.Transformer{"syntax": {ScriptCode: "function ("}})
	assert.Error(t, err)

	_, err = NewManager(map[string]config.Transformer{
		"range": {ScriptCode: ibeaconScript, ManufacturerID: intPtr(0x10000)},
	})
	assert.Error(t, err)
}

func TestScriptFromFileAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.js")
	require.NoError(t, os.WriteFile(path, []byte(`function transform(adv) { return { device_type: "v1" }; }`), 0644))

	m, err := NewManager(map[string]config.Transformer{DefaultName: {ScriptPath: path}})
	require.NoError(t, err)

	data, err := m.Transform(events.AdvertisementEvent{Address: "AA"})
	require.NoError(t, err)
	assert.Equal(t, "v1", data.DeviceType)

	require.NoError(t, os.WriteFile(path, []byte(`function transform(adv) { return { device_type: "v2" }; }`), 0644))
	require.NoError(t, m.ReloadTransformer(DefaultName, config.Transformer{ScriptPath: path}))

	data, err = m.Transform(events.AdvertisementEvent{Address: "AA"})
	require.NoError(t, err)
	assert.Equal(t, "v2", data.DeviceType)
}

func TestSync(t *testing.T) {
	m, err := NewManager(map[string]config.Transformer{
		"ibeacon":   {ScriptCode: ibeaconScript, ManufacturerID: intPtr(0x004C)},
		DefaultName: {ScriptCode: thermometerScript},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultName, "ibeacon"}, m.Names())

	err = m.Sync(map[string]config.Transformer{
		"ibeacon": {ScriptCode: ibeaconScript, ManufacturerID: intPtr(0x004C)},
		"broken":  {ScriptCode: "nope("},
	})
	assert.Error(t, err)
	assert.Equal(t, []string{"ibeacon"}, m.Names())
}

func TestConvertTemperature(t *testing.T) {
	assert.InDelta(t, 212.0, convertTemperature(100, "C", "F"), 1e-9)
	assert.InDelta(t, 0.0, convertTemperature(32, "f", "c"), 1e-9)
	assert.InDelta(t, 273.15, convertTemperature(0, "C", "K"), 1e-9)
	assert.InDelta(t, 5.0, convertTemperature(5, "X", "C"), 1e-9)
}

func TestReadHelpersBounds(t *testing.T) {
	m, err := NewManager(map[string]config.Transformer{
		DefaultName: {ScriptCode: `function transform(adv) { return { metadata: { v: readUint16LE(hexToBytes("01"), 0) } }; }`},
	})
	require.NoError(t, err)

	_, err = m.Transform(events.AdvertisementEvent{})
	assert.Error(t, err)
}

func TestScriptReturningNullUsesBuiltin(t *testing.T) {
	m, err := NewManager(map[string]config.Transformer{
		DefaultName: {ScriptCode: `function transform(adv) { return null; }`},
	})
	require.NoError(t, err)

	data, err := m.Transform(events.AdvertisementEvent{Address: "AA", RSSI: -50})
	require.NoError(t, err)
	assert.Equal(t, BuiltinType, data.DeviceType)
	assert.Equal(t, "rssi", data.Attributes[0].Name)
}
