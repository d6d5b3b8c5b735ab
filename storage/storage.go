package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/ble-trans/logger"
	"github.com/eddielth/ble-trans/transformer"
)

// Backend represents a storage backend
type Backend interface {
	// Store persists one reading
	Store(deviceType string, data transformer.DeviceData) error
	// Close releases the backend's connections
	Close() error
}

// Manager fans readings out to several backends
type Manager struct {
	backends []Backend
	mutex    sync.RWMutex
}

// NewManager creates a new storage manager
func NewManager(backends []Backend) *Manager {
	return &Manager{
		backends: backends,
	}
}

// Len returns the number of backends
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.backends)
}

// Store writes data to every backend. A failing backend does not stop the
// others; the failures are returned together.
func (m *Manager) Store(deviceType string, data transformer.DeviceData) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Store(deviceType, data); err != nil {
			logger.Error("failed to store %s reading of %s: %v", deviceType, data.Address, err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d of %d backends failed: %w", len(errs), len(m.backends), errors.Join(errs...))
	}
	return nil
}

// Close closes all backends
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close storage backend: %v", err)
		}
	}
}

// AddBackend adds a backend
func (m *Manager) AddBackend(backend Backend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}
