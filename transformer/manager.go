package transformer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dop251/goja"

	"github.com/eddielth/ble-trans/config"
	"github.com/eddielth/ble-trans/events"
	"github.com/eddielth/ble-trans/logger"
)

// DefaultName is the transformer used when no manufacturer id matches
const DefaultName = "default"

// BuiltinType is the device type of readings produced without a script
const BuiltinType = "ble"

// Manager manages the beacon transformers
type Manager struct {
	transformers map[string]*Transformer
	mutex        sync.RWMutex
}

// Transformer is one compiled script. A goja runtime is not safe for
// concurrent use, so calls are serialized.
type Transformer struct {
	name           string
	manufacturerID *int
	scriptPath     string

	mu        sync.Mutex
	vm        *goja.Runtime
	transform goja.Callable
}

// NewManager creates a manager with one transformer per config entry
func NewManager(configs map[string]config.Transformer) (*Manager, error) {
	manager := &Manager{
		transformers: make(map[string]*Transformer),
	}

	for name, cfg := range configs {
		t, err := load(name, cfg)
		if err != nil {
			return nil, err
		}
		manager.transformers[name] = t
		logger.Info("loaded transformer %s", name)
	}

	return manager, nil
}

func load(name string, cfg config.Transformer) (*Transformer, error) {
	scriptCode := cfg.ScriptCode
	if scriptCode == "" {
		if cfg.ScriptPath == "" {
			return nil, fmt.Errorf("transformer %s has neither script code nor script path", name)
		}
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load script file %s: %w", cfg.ScriptPath, err)
		}
		scriptCode = string(scriptBytes)
	}

	if cfg.ManufacturerID != nil && (*cfg.ManufacturerID < 0 || *cfg.ManufacturerID > 0xFFFF) {
		return nil, fmt.Errorf("transformer %s: manufacturer_id %d out of range", name, *cfg.ManufacturerID)
	}

	t, err := newTransformer(name, scriptCode, cfg.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create transformer %s: %w", name, err)
	}
	t.manufacturerID = cfg.ManufacturerID
	return t, nil
}

func newTransformer(name, scriptCode, scriptPath string) (*Transformer, error) {
	vm := goja.New()
	registerHelpers(vm, name)

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}

	transform, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, fmt.Errorf("script does not define a 'transform' function")
	}

	return &Transformer{
		name:       name,
		vm:         vm,
		transform:  transform,
		scriptPath: scriptPath,
	}, nil
}

// Names returns the loaded transformer names, sorted
func (m *Manager) Names() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.transformers))
	for name := range m.transformers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the transformer for ev: the first (by name) whose
// manufacturer id appears in the event, else the default one. nil means the
// built-in mapping applies.
func (m *Manager) Select(ev events.AdvertisementEvent) *Transformer {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.transformers))
	for name := range m.transformers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		t := m.transformers[name]
		if t.manufacturerID == nil {
			continue
		}
		if _, ok := ev.ManufacturerData[uint16(*t.manufacturerID)]; ok {
			return t
		}
	}
	return m.transformers[DefaultName]
}

// Transform converts ev into a reading
func (m *Manager) Transform(ev events.AdvertisementEvent) (DeviceData, error) {
	t := m.Select(ev)
	if t == nil {
		return Builtin(ev), nil
	}
	return t.Transform(ev)
}

// Transform runs the script on ev
func (t *Transformer) Transform(ev events.AdvertisementEvent) (DeviceData, error) {
	input := scriptInput(ev, t.manufacturerID)

	t.mu.Lock()
	result, err := t.transform(goja.Undefined(), t.vm.ToValue(input))
	var exported interface{}
	if err == nil {
		exported = result.Export()
	}
	t.mu.Unlock()

	if err != nil {
		return DeviceData{}, fmt.Errorf("transformer %s failed: %w", t.name, err)
	}
	// null or undefined hands the event to the built-in mapping
	if exported == nil {
		return Builtin(ev), nil
	}

	jsonData, err := json.Marshal(exported)
	if err != nil {
		return DeviceData{}, fmt.Errorf("failed to serialize result of transformer %s: %w", t.name, err)
	}

	var data DeviceData
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return DeviceData{}, fmt.Errorf("result of transformer %s is not device data: %w", t.name, err)
	}

	fillFromEvent(&data, ev, t.name)
	return data, nil
}

// Builtin maps ev to a reading without a script
func Builtin(ev events.AdvertisementEvent) DeviceData {
	data := DeviceData{
		Attributes: []DeviceAttribute{
			{Name: "rssi", Type: "int", Value: ev.RSSI, Unit: "dBm", Quality: 100},
		},
		Metadata: map[string]interface{}{
			"connectable": ev.Connectable,
		},
	}
	if ev.TxPower != nil {
		data.Attributes = append(data.Attributes, DeviceAttribute{
			Name: "tx_power", Type: "int", Value: *ev.TxPower, Unit: "dBm", Quality: 100,
		})
	}

	ids := make([]int, 0, len(ev.ManufacturerData))
	for id := range ev.ManufacturerData {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		data.Attributes = append(data.Attributes, DeviceAttribute{
			Name:     fmt.Sprintf("manufacturer_%04x", id),
			Type:     "hex",
			Value:    hex.EncodeToString(ev.ManufacturerData[uint16(id)]),
			Quality:  100,
			Metadata: map[string]interface{}{"manufacturer_id": id},
		})
	}

	uuids := make([]string, 0, len(ev.ServiceData))
	for u := range ev.ServiceData {
		uuids = append(uuids, u)
	}
	sort.Strings(uuids)
	for _, u := range uuids {
		data.Attributes = append(data.Attributes, DeviceAttribute{
			Name:     "service_" + u,
			Type:     "hex",
			Value:    hex.EncodeToString(ev.ServiceData[u]),
			Quality:  100,
			Metadata: map[string]interface{}{"uuid": u},
		})
	}
	if len(ev.ServiceUUIDs) > 0 {
		data.Metadata["service_uuids"] = ev.ServiceUUIDs
	}

	fillFromEvent(&data, ev, BuiltinType)
	return data
}

func fillFromEvent(data *DeviceData, ev events.AdvertisementEvent, deviceType string) {
	if data.DeviceName == "" {
		data.DeviceName = ev.Name
	}
	if data.DeviceType == "" {
		data.DeviceType = deviceType
	}
	if data.Address == "" {
		data.Address = ev.Address
	}
	data.Source = ev.Source
	data.GatewayID = ev.GatewayID
	data.RSSI = ev.RSSI
	if data.Timestamp == 0 {
		data.Timestamp = ev.Timestamp.UnixMilli()
	}
	if data.Metadata == nil {
		data.Metadata = make(map[string]interface{})
	}
}

// scriptInput is the object handed to transform(adv)
func scriptInput(ev events.AdvertisementEvent, manufacturerID *int) map[string]interface{} {
	manufacturer := make(map[string]interface{}, len(ev.ManufacturerData))
	for id, b := range ev.ManufacturerData {
		manufacturer[fmt.Sprintf("%d", id)] = hex.EncodeToString(b)
	}
	service := make(map[string]interface{}, len(ev.ServiceData))
	for u, b := range ev.ServiceData {
		service[u] = hex.EncodeToString(b)
	}
	uuids := make([]interface{}, len(ev.ServiceUUIDs))
	for i, u := range ev.ServiceUUIDs {
		uuids[i] = u
	}

	in := map[string]interface{}{
		"name":             ev.Name,
		"address":          ev.Address,
		"rssi":             ev.RSSI,
		"source":           ev.Source,
		"gatewayId":        ev.GatewayID,
		"timestamp":        ev.Timestamp.UnixMilli(),
		"connectable":      ev.Connectable,
		"manufacturerData": manufacturer,
		"serviceData":      service,
		"serviceUuids":     uuids,
	}
	if ev.TxPower != nil {
		in["txPower"] = *ev.TxPower
	}
	if manufacturerID != nil {
		in["manufacturerId"] = *manufacturerID
		in["payload"] = hex.EncodeToString(ev.ManufacturerData[uint16(*manufacturerID)])
	}
	return in
}

// ReloadTransformer replaces or adds the transformer called name
func (m *Manager) ReloadTransformer(name string, cfg config.Transformer) error {
	t, err := load(name, cfg)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	m.transformers[name] = t
	m.mutex.Unlock()

	logger.Info("reloaded transformer %s", name)
	return nil
}

// Sync reloads every configured transformer and removes the ones no longer
// configured. A transformer that fails to load keeps its previous version.
func (m *Manager) Sync(configs map[string]config.Transformer) error {
	var firstErr error
	for name, cfg := range configs {
		if err := m.ReloadTransformer(name, cfg); err != nil {
			logger.Error("failed to reload transformer %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.mutex.Lock()
	for name := range m.transformers {
		if _, ok := configs[name]; !ok {
			delete(m.transformers, name)
			logger.Info("removed transformer %s", name)
		}
	}
	m.mutex.Unlock()

	return firstErr
}
