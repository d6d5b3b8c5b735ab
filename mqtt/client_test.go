package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/ble-trans/config"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *fakeToken) Error() error                     { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakePaho struct {
	paho.Client

	mu           sync.Mutex
	connected    bool
	connectErr   error
	callbacks    map[string]paho.MessageHandler
	qos          map[string]byte
	unsubscribed []string
}

func newFakePaho() *fakePaho {
	return &fakePaho{
		callbacks: make(map[string]paho.MessageHandler),
		qos:       make(map[string]byte),
	}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) Connect() paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = f.connectErr == nil
	return &fakeToken{err: f.connectErr}
}

func (f *fakePaho) Disconnect(_ uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakePaho) Subscribe(topic string, qos byte, cb paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[topic] = cb
	f.qos[topic] = qos
	return &fakeToken{}
}

func (f *fakePaho) Unsubscribe(topics ...string) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		delete(f.callbacks, topic)
	}
	f.unsubscribed = append(f.unsubscribed, topics...)
	return &fakeToken{}
}

func (f *fakePaho) deliver(filter, topic string, payload []byte) {
	f.mu.Lock()
	cb := f.callbacks[filter]
	f.mu.Unlock()
	if cb != nil {
		cb(f, &fakeMessage{topic: topic, payload: payload})
	}
}

func TestDiscoveryTopic(t *testing.T) {
	assert.Equal(t, "ab_gateway/+", DiscoveryTopic("ab_gateway"))
	assert.Equal(t, "site/gw/+", DiscoveryTopic("site/gw/"))
}

func TestGatewayFromTopic(t *testing.T) {
	assert.Equal(t, "GW01", GatewayFromTopic("ab_gateway/GW01"))
	assert.Equal(t, "GW01", GatewayFromTopic("GW01"))
	assert.Equal(t, "", GatewayFromTopic("ab_gateway/"))
}

func TestNewClientRequiresBroker(t *testing.T) {
	_, err := NewClient(config.MQTTConfig{})
	assert.Error(t, err)

	c, err := NewClient(config.MQTTConfig{Broker: "tcp://localhost:1883"})
	require.NoError(t, err)
	assert.Contains(t, c.config.ClientID, "ble-trans-")
}

func TestSubscribeDeliversMessages(t *testing.T) {
	fp := newFakePaho()
	c := newClientWith(fp, config.MQTTConfig{Broker: "tcp://b:1883"})
	require.NoError(t, c.Connect())

	var got []string
	sub, err := c.Subscribe("ab_gateway/+", 0, func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	})
	require.NoError(t, err)
	assert.Equal(t, "ab_gateway/+", sub.Topic)
	assert.Equal(t, byte(0), fp.qos["ab_gateway/+"])

	fp.deliver("ab_gateway/+", "ab_gateway/GW01", []byte("x"))
	assert.Equal(t, []string{"ab_gateway/GW01=x"}, got)

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, []string{"ab_gateway/+"}, fp.unsubscribed)
	assert.Empty(t, c.topics)
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	c := newClientWith(newFakePaho(), config.MQTTConfig{})
	_, err := c.Subscribe("t/+", 0, nil)
	assert.Error(t, err)
}

func TestResubscribeRestoresRoutes(t *testing.T) {
	fp := newFakePaho()
	c := newClientWith(fp, config.MQTTConfig{})
	_, err := c.Subscribe("ab_gateway/+", 0, func(string, []byte) {})
	require.NoError(t, err)

	fp.mu.Lock()
	fp.callbacks = make(map[string]paho.MessageHandler)
	fp.mu.Unlock()

	c.resubscribe()
	assert.Contains(t, fp.callbacks, "ab_gateway/+")
}

func TestConnectError(t *testing.T) {
	fp := newFakePaho()
	fp.connectErr = errors.New("refused")
	c := newClientWith(fp, config.MQTTConfig{})
	assert.EqualError(t, c.Connect(), "refused")
}

type fakeConsumer struct {
	name    string
	err     error
	log     *[]string
	started bool
}

func (f *fakeConsumer) Start(_ context.Context) ([]Subscription, error) {
	*f.log = append(*f.log, "start "+f.name)
	if f.err != nil {
		return nil, f.err
	}
	f.started = true
	return nil, nil
}

func (f *fakeConsumer) Stop() {
	*f.log = append(*f.log, "stop "+f.name)
}

func TestManagerStartStop(t *testing.T) {
	var log []string
	a := &fakeConsumer{name: "a", log: &log}
	b := &fakeConsumer{name: "b", log: &log}
	fp := newFakePaho()
	m := NewManager(newClientWith(fp, config.MQTTConfig{}), a, b)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, fp.IsConnected())

	m.Stop()
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
	assert.False(t, fp.IsConnected())
}

func TestManagerStartRollsBack(t *testing.T) {
	var log []string
	a := &fakeConsumer{name: "a", log: &log}
	b := &fakeConsumer{name: "b", log: &log, err: errors.New("boom")}
	fp := newFakePaho()
	m := NewManager(newClientWith(fp, config.MQTTConfig{}), a, b)

	assert.Error(t, m.Start(context.Background()))
	assert.Equal(t, []string{"start a", "start b", "stop a"}, log)
	assert.False(t, fp.IsConnected())
}
