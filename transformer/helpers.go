package transformer

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/ble-trans/logger"
)

// registerHelpers installs the helper functions available to scripts
func registerHelpers(vm *goja.Runtime, name string) {
	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS %s] %s", name, msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn("failed to parse JSON in script %s: %v", name, err)
			return nil
		}
		return data
	})

	_ = vm.Set("hexToBytes", func(s string) []int {
		b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
		if err != nil {
			panic(vm.NewTypeError("hexToBytes: %v", err))
		}
		out := make([]int, len(b))
		for i, v := range b {
			out[i] = int(v)
		}
		return out
	})

	_ = vm.Set("readUint16LE", func(b []int, offset int) int {
		checkBounds(vm, "readUint16LE", b, offset, 2)
		return b[offset]&0xff | (b[offset+1]&0xff)<<8
	})

	_ = vm.Set("readUint16BE", func(b []int, offset int) int {
		checkBounds(vm, "readUint16BE", b, offset, 2)
		return (b[offset]&0xff)<<8 | b[offset+1]&0xff
	})

	_ = vm.Set("readInt16LE", func(b []int, offset int) int {
		checkBounds(vm, "readInt16LE", b, offset, 2)
		return int(int16(uint16(b[offset]&0xff) | uint16(b[offset+1]&0xff)<<8))
	})

	_ = vm.Set("readInt16BE", func(b []int, offset int) int {
		checkBounds(vm, "readInt16BE", b, offset, 2)
		return int(int16(uint16(b[offset]&0xff)<<8 | uint16(b[offset+1]&0xff)))
	})

	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.Unix(timestamp, 0).Format(format)
	})

	_ = vm.Set("convertTemperature", convertTemperature)

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})
}

func checkBounds(vm *goja.Runtime, fn string, b []int, offset, n int) {
	if offset < 0 || offset+n > len(b) {
		panic(vm.NewTypeError("%s: offset %d out of range for %d bytes", fn, offset, len(b)))
	}
}

// convertTemperature converts value between C, F and K. Unknown units leave
// the value in Celsius, or untouched when the source unit is unknown.
func convertTemperature(value float64, fromUnit string, toUnit string) float64 {
	var celsius float64
	switch strings.ToUpper(fromUnit) {
	case "C":
		celsius = value
	case "F":
		celsius = (value - 32) * 5 / 9
	case "K":
		celsius = value - 273.15
	default:
		return value
	}

	switch strings.ToUpper(toUnit) {
	case "F":
		return celsius*9/5 + 32
	case "K":
		return celsius + 273.15
	default:
		return celsius
	}
}
