package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/eddielth/ble-trans/logger"
)

// DefaultSubjectPrefix is used when no NATS subject prefix is configured.
const DefaultSubjectPrefix = "ble.advertisements"

type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher forwards advertisement events as JSON to NATS.
type NATSPublisher struct {
	conn          natsConn
	nc            *nats.Conn
	subjectPrefix string
}

// ConnectNATSPublisher dials url and returns a publisher for subjectPrefix.
func ConnectNATSPublisher(url, subjectPrefix string, opts ...nats.Option) (*NATSPublisher, error) {
	opts = append([]nats.Option{
		nats.Name("ble-trans"),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error: %v", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected: %s", nc.ConnectedUrl())
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("connected to NATS: %s", nc.ConnectedUrl())

	p := NewNATSPublisher(nc, subjectPrefix)
	p.nc = nc
	return p, nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn natsConn, subjectPrefix string) *NATSPublisher {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, subjectPrefix: strings.TrimSuffix(subjectPrefix, ".")}
}

// Subject returns the subject events of gatewayID are published on.
func (p *NATSPublisher) Subject(gatewayID string) string {
	if gatewayID == "" {
		gatewayID = "unknown"
	}
	return p.subjectPrefix + "." + subjectToken(gatewayID)
}

// Handle is an event bus Handler.
func (p *NATSPublisher) Handle(ev AdvertisementEvent) {
	if err := p.Publish(ev); err != nil {
		logger.Error("failed to publish advertisement for %s: %v", ev.Address, err)
	}
}

// Publish sends ev to its gateway subject.
func (p *NATSPublisher) Publish(ev AdvertisementEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal advertisement event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.GatewayID), data); err != nil {
		return fmt.Errorf("failed to publish advertisement event: %w", err)
	}
	return nil
}

// Close drains the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
