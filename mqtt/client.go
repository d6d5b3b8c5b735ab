package mqtt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/eddielth/ble-trans/config"
	"github.com/eddielth/ble-trans/logger"
)

// MessageHandler is the callback function type for handling MQTT messages
type MessageHandler func(topic string, payload []byte)

// Subscription is an active topic subscription
type Subscription struct {
	Topic       string
	Unsubscribe func() error
}

// Subscriber subscribes handlers to topics
type Subscriber interface {
	Subscribe(topic string, qos byte, handler MessageHandler) (Subscription, error)
}

// Client represents an MQTT client
type Client struct {
	client paho.Client
	config config.MQTTConfig

	mu     sync.Mutex
	topics map[string]route
}

type route struct {
	qos     byte
	handler MessageHandler
}

// NewClient creates a new MQTT client
func NewClient(cfg config.MQTTConfig) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "ble-trans-" + uuid.NewString()[:8]
	}

	c := &Client{
		config: cfg,
		topics: make(map[string]route),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		c.resubscribe()
	})

	c.client = paho.NewClient(opts)
	return c, nil
}

func newClientWith(pc paho.Client, cfg config.MQTTConfig) *Client {
	return &Client{
		client: pc,
		config: cfg,
		topics: make(map[string]route),
	}
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	timeout := c.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("connection to MQTT broker timed out")
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("successfully connected to MQTT broker: %s", c.config.Broker)
	return nil
}

// Subscribe subscribes handler to topic. The subscription is restored after
// a reconnect until it is removed.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) (Subscription, error) {
	if handler == nil {
		return Subscription{}, fmt.Errorf("no handler for topic %s", topic)
	}

	if err := c.subscribe(topic, qos, handler); err != nil {
		return Subscription{}, err
	}

	c.mu.Lock()
	c.topics[topic] = route{qos: qos, handler: handler}
	c.mu.Unlock()

	logger.Info("successfully subscribed to topic: %s", topic)
	return Subscription{
		Topic: topic,
		Unsubscribe: func() error {
			return c.Unsubscribe(topic)
		},
	}, nil
}

func (c *Client) subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})

	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}
	return token.Error()
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	routes := make(map[string]route, len(c.topics))
	for topic, r := range c.topics {
		routes[topic] = r
	}
	c.mu.Unlock()

	for topic, r := range routes {
		if err := c.subscribe(topic, r.qos, r.handler); err != nil {
			logger.Warn("failed to restore subscription to %s: %v", topic, err)
			continue
		}
		logger.Debug("restored subscription to %s", topic)
	}
}

// Unsubscribe removes the subscriptions to topics
func (c *Client) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, topic := range topics {
		delete(c.topics, topic)
	}
	c.mu.Unlock()

	if !c.client.IsConnected() {
		return nil
	}

	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("unsubscribe from %s timed out", strings.Join(topics, ", "))
	}
	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("unsubscribed from topics: %s", strings.Join(topics, ", "))
	return nil
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	logger.Info("disconnected from MQTT broker")
}

// DiscoveryTopic returns the wildcard topic gateways publish reports on
func DiscoveryTopic(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/+"
}

// GatewayFromTopic extracts the gateway id from the last topic level
func GatewayFromTopic(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
