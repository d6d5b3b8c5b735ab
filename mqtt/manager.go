package mqtt

import (
	"context"
	"fmt"
	"sync"
)

// Consumer owns a set of subscriptions for the lifetime between Start and Stop
type Consumer interface {
	Start(ctx context.Context) ([]Subscription, error)
	Stop()
}

// Manager MQTT Manager
type Manager struct {
	client    *Client
	consumers []Consumer

	mu      sync.Mutex
	started []Consumer
}

// NewManager creates a new MQTT manager
func NewManager(client *Client, consumers ...Consumer) *Manager {
	return &Manager{
		client:    client,
		consumers: consumers,
	}
}

// Client returns the MQTT client consumers subscribe through
func (m *Manager) Client() *Client {
	return m.client
}

// Start connects to the broker and starts every consumer
func (m *Manager) Start(ctx context.Context) error {
	if err := m.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, consumer := range m.consumers {
		if _, err := consumer.Start(ctx); err != nil {
			for i := len(m.started) - 1; i >= 0; i-- {
				m.started[i].Stop()
			}
			m.started = nil
			m.client.Disconnect()
			return fmt.Errorf("failed to start consumer: %w", err)
		}
		m.started = append(m.started, consumer)
	}
	return nil
}

// Stop stops the consumers in reverse order and disconnects
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		started[i].Stop()
	}
	m.client.Disconnect()
}
