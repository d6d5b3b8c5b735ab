package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// GatewayReport is the message a gateway publishes on <prefix>/<gateway id>
type GatewayReport struct {
	Mac     string        `msgpack:"mac" json:"mac"`
	Devices []interface{} `msgpack:"devices" json:"devices"`
}

// SimulatedDevice is a beacon a simulated gateway reports
type SimulatedDevice struct {
	MAC     [6]byte
	AdType  byte
	Name    string
	Company uint16
	Data    []byte
}

// SimulatedGateway publishes reports at a fixed interval
type SimulatedGateway struct {
	ID       string
	Format   string
	Interval time.Duration
	Devices  []SimulatedDevice
}

var devices = []SimulatedDevice{
	{
		MAC:     [6]byte{0xAC, 0x23, 0x3F, 0x00, 0x00, 0x01},
		AdType:  3,
		Company: 0x004C,
		Data: append(append([]byte{0x02, 0x15},
			0xE2, 0xC5, 0x6D, 0xB5, 0xDF, 0xFB, 0x48, 0xD2, 0xB0, 0x60, 0xD0, 0xF5, 0xA7, 0x10, 0x96, 0xE0),
			0x00, 0x01, 0x00, 0x02, 0xC5),
	},
	{
		MAC:     [6]byte{0xA4, 0xC1, 0x38, 0x00, 0x00, 0x02},
		AdType:  0,
		Name:    "ATC_000002",
		Company: 0x0059,
		Data:    []byte{0x01, 0x02, 0x03},
	},
	{
		MAC:    [6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		AdType: 2,
		Name:   "tag-1",
	},
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "user", "MQTT username")
	password := flag.String("password", "password", "MQTT password")
	prefix := flag.String("prefix", "ab_gateway", "discovery topic prefix")
	mode := flag.String("mode", "continuous", "run mode: single, json, continuous")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	clientID := fmt.Sprintf("ble-gateway-sim-%d", time.Now().Unix())
	opts.SetClientID(clientID)
	opts.SetUsername(*username)
	opts.SetPassword(*password)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}

	fmt.Printf("connected to MQTT broker: %s\n", *broker)

	switch *mode {
	case "single":
		publishReport(client, *prefix, SimulatedGateway{ID: "AA:BB:CC:00:00:01", Format: "msgpack", Devices: devices})
		client.Disconnect(250)
	case "json":
		publishReport(client, *prefix, SimulatedGateway{ID: "AA:BB:CC:00:00:02", Format: "json", Devices: devices})
		client.Disconnect(250)
	case "continuous":
		publishContinuous(client, *prefix)
	default:
		fmt.Println("unknown mode, use single, json or continuous")
		os.Exit(1)
	}
}

// advPayload builds the AD structures of d
func advPayload(d SimulatedDevice) []byte {
	var p []byte
	p = append(p, 0x02, 0x01, 0x06)
	if d.Name != "" {
		p = append(p, byte(len(d.Name)+1), 0x09)
		p = append(p, d.Name...)
	}
	if d.Data != nil {
		p = append(p, byte(len(d.Data)+3), 0xFF, byte(d.Company), byte(d.Company>>8))
		p = append(p, d.Data...)
	}
	return p
}

func rssi() int {
	return -40 - rand.Intn(60)
}

// binaryEntry is adType, 6 byte MAC, RSSI + 256, payload
func binaryEntry(d SimulatedDevice) []byte {
	b := []byte{d.AdType}
	b = append(b, d.MAC[:]...)
	b = append(b, byte(rssi()+256))
	return append(b, advPayload(d)...)
}

// listEntry is [adType, MAC hex, RSSI, payload hex]
func listEntry(d SimulatedDevice) []interface{} {
	return []interface{}{int(d.AdType), hex.EncodeToString(d.MAC[:]), rssi(), hex.EncodeToString(advPayload(d))}
}

func encodeReport(gw SimulatedGateway) ([]byte, error) {
	report := GatewayReport{Mac: gw.ID}
	for _, d := range gw.Devices {
		switch gw.Format {
		case "json":
			report.Devices = append(report.Devices, listEntry(d))
		case "msgpack-list":
			report.Devices = append(report.Devices, listEntry(d))
		default:
			report.Devices = append(report.Devices, binaryEntry(d))
		}
	}

	if gw.Format == "json" {
		return json.Marshal(report)
	}
	return msgpack.Marshal(report)
}

func publishReport(client paho.Client, prefix string, gw SimulatedGateway) {
	topic := fmt.Sprintf("%s/%s", prefix, gw.ID)

	payload, err := encodeReport(gw)
	if err != nil {
		fmt.Printf("failed to encode report: %v\n", err)
		return
	}

	token := client.Publish(topic, 0, false, payload)
	token.Wait()

	if token.Error() != nil {
		fmt.Printf("failed to publish report: %v\n", token.Error())
	} else {
		timestamp := time.Now().Format("15:04:05")
		fmt.Printf("[%s] published %s report of gateway %s: %d devices, %d bytes\n",
			timestamp, gw.Format, gw.ID, len(gw.Devices), len(payload))
	}
}

func publishContinuous(client paho.Client, prefix string) {
	gateways := []SimulatedGateway{
		{ID: "AA:BB:CC:00:00:01", Format: "msgpack", Interval: 2 * time.Second, Devices: devices},
		{ID: "AA:BB:CC:00:00:02", Format: "msgpack-list", Interval: 3 * time.Second, Devices: devices[1:]},
		{ID: "AA:BB:CC:00:00:03", Format: "json", Interval: 5 * time.Second, Devices: devices[:2]},
	}

	for _, gateway := range gateways {
		go func(gw SimulatedGateway) {
			for {
				publishReport(client, prefix, gw)
				time.Sleep(gw.Interval)
			}
		}(gateway)
		fmt.Printf("gateway %s reports every %v (%s)\n", gateway.ID, gateway.Interval, gateway.Format)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("disconnecting...")
	client.Disconnect(250)
}
