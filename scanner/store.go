package scanner

import (
	"github.com/eddielth/ble-trans/events"
	"github.com/eddielth/ble-trans/logger"
	"github.com/eddielth/ble-trans/storage"
	"github.com/eddielth/ble-trans/transformer"
)

// StoreSubscriber returns a bus handler that transforms each event into a
// reading and stores it.
func StoreSubscriber(transformers *transformer.Manager, store *storage.Manager) events.Handler {
	return func(ev events.AdvertisementEvent) {
		data, err := transformers.Transform(ev)
		if err != nil {
			logger.Error("failed to transform advertisement of %s from %s: %v", ev.Address, ev.Source, err)
			return
		}

		logger.Debug("device %s (%s) reading: %d attributes", data.Address, data.DeviceType, len(data.Attributes))

		if err := store.Store(data.DeviceType, data); err != nil {
			logger.Error("failed to store reading of %s: %v", ev.Address, err)
		}
	}
}
