package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddielth/ble-trans/advertisement"
	"github.com/eddielth/ble-trans/config"
	"github.com/eddielth/ble-trans/events"
	"github.com/eddielth/ble-trans/logger"
	"github.com/eddielth/ble-trans/mqtt"
	"github.com/eddielth/ble-trans/scanner"
	"github.com/eddielth/ble-trans/storage"
	"github.com/eddielth/ble-trans/transformer"
)

const statsInterval = time.Minute

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Close()

	transformerManager, err := transformer.NewManager(cfg.Transformers)
	if err != nil {
		log.Fatalf("failed to initialize transformers: %v", err)
	}

	storageManager, err := newStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}
	defer storageManager.Close()

	bus := events.NewBus()
	defer bus.Close()

	if _, err := bus.Subscribe("log", func(ev events.AdvertisementEvent) {
		logger.Debug("advertisement %s (%s) rssi %d from %s", ev.Address, ev.Name, ev.RSSI, ev.Source)
	}, cfg.Scanner.SubscriberBuffer); err != nil {
		log.Fatalf("failed to subscribe logger: %v", err)
	}

	if storageManager.Len() > 0 {
		handler := scanner.StoreSubscriber(transformerManager, storageManager)
		if _, err := bus.Subscribe("store", handler, cfg.Scanner.SubscriberBuffer); err != nil {
			log.Fatalf("failed to subscribe storage: %v", err)
		}
	}

	if cfg.NATS.Enabled {
		publisher, err := events.ConnectNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer publisher.Close()

		if _, err := bus.Subscribe("nats", publisher.Handle, cfg.Scanner.SubscriberBuffer); err != nil {
			log.Fatalf("failed to subscribe NATS publisher: %v", err)
		}
	}

	mqttClient, err := mqtt.NewClient(cfg.MQTT)
	if err != nil {
		log.Fatalf("failed to initialize MQTT client: %v", err)
	}

	sc, err := scanner.New(scanner.ConfigFrom(cfg.MQTT, cfg.Scanner), mqttClient, advertisement.NewADParser(), bus)
	if err != nil {
		log.Fatalf("failed to initialize scanner: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := mqtt.NewManager(mqttClient, sc)
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("failed to start MQTT service: %v", err)
	}

	err = config.WatchConfig(*configPath, func(newCfg *config.Config) error {
		logger.Info("applying new configuration...")

		if level, err := logger.ParseLogLevel(newCfg.Logger.Level); err != nil {
			logger.Warn("%v", err)
		} else {
			logger.SetLevel(level)
		}

		if err := transformerManager.Sync(newCfg.Transformers); err != nil {
			logger.Warn("some transformers kept their previous version: %v", err)
		}

		logger.Info("MQTT, scanner and storage changes take effect after restart")
		return nil
	})
	if err != nil {
		logger.Warn("failed to watch config file: %v", err)
	} else {
		logger.Info("watching config file %s", *configPath)
	}

	logger.Info("BLE gateway ingestion started, waiting for gateway reports...")

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logStats(sc, bus)
		case <-ctx.Done():
			manager.Stop()
			logStats(sc, bus)
			logger.Info("service stopped")
			return
		}
	}
}

func newStorage(cfg config.StorageConfig) (*storage.Manager, error) {
	var backends []storage.Backend

	if cfg.File.Enabled {
		fs, err := storage.NewFileStorage(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		backends = append(backends, fs)
	}

	if cfg.Database.Enabled {
		db, err := storage.NewDatabaseStorage(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			for _, b := range backends {
				b.Close()
			}
			return nil, err
		}
		backends = append(backends, db)
	}

	return storage.NewManager(backends), nil
}

func logStats(sc *scanner.Scanner, bus *events.Bus) {
	st := sc.Stats()
	logger.Info("scanner %s: %d messages, %d decode failures, %d rejected, %d queued, %d parse failures, %d events, %d devices",
		st.ID, st.MessagesReceived, st.DecodeFailures, st.RecordsRejected, st.RecordsQueued, st.ParseFailures, st.EventsDispatched, st.CachedDevices)
	for _, q := range st.Queues {
		if q.Dropped > 0 {
			logger.Warn("queue %s dropped %d records", q.Name, q.Dropped)
		}
	}
	for _, s := range bus.Stats() {
		if s.Waits > 0 {
			logger.Info("subscriber %s held up publishing %d times", s.Name, s.Waits)
		}
		if s.Dropped > 0 {
			logger.Warn("subscriber %s missed %d events", s.Name, s.Dropped)
		}
	}
	logger.Debug("scanner %s devices: %v", st.ID, sc.Devices())
}
