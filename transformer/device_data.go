package transformer

// DeviceData is the normalized reading produced from one advertisement event
type DeviceData struct {
	DeviceName string                 `json:"device_name"`
	DeviceType string                 `json:"device_type"` // transformer name unless the script sets one
	Address    string                 `json:"address"`
	Source     string                 `json:"source"`
	GatewayID  string                 `json:"gateway_id"`
	RSSI       int                    `json:"rssi"`
	Timestamp  int64                  `json:"timestamp"` // unix milliseconds
	Attributes []DeviceAttribute      `json:"attributes"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// DeviceAttribute is one decoded value of a reading
type DeviceAttribute struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Value    interface{} `json:"value"`
	Unit     string      `json:"unit"`
	Quality  int         `json:"quality"` // 0-100
	Metadata interface{} `json:"metadata"`
}
