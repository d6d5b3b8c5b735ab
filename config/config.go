package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/ble-trans/logger"
)

// EnvPrefix prefixes environment overrides, e.g. BLETRANS_MQTT_BROKER.
const EnvPrefix = "BLETRANS"

// Config represents the application configuration
type Config struct {
	MQTT         MQTTConfig             `mapstructure:"mqtt"`
	Scanner      ScannerConfig          `mapstructure:"scanner"`
	Transformers map[string]Transformer `mapstructure:"transformers"`
	Storage      StorageConfig          `mapstructure:"storage"`
	NATS         NATSConfig             `mapstructure:"nats"`
	Logger       LoggerConfig           `mapstructure:"logger"`
}

// MQTTConfig represents the MQTT connection configuration
type MQTTConfig struct {
	Broker          string        `mapstructure:"broker"`
	ClientID        string        `mapstructure:"client_id"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DiscoveryPrefix string        `mapstructure:"discovery_prefix"`
	QoS             byte          `mapstructure:"qos"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// ScannerConfig represents the ingestion pipeline configuration
type ScannerConfig struct {
	// ID identifies this scanner instance in logs
	ID string `mapstructure:"id"`
	// Domain is the prefix of every event source, "<domain>_<gateway>"
	Domain           string        `mapstructure:"domain"`
	QueueSize        int           `mapstructure:"queue_size"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	CacheSize        int           `mapstructure:"cache_size"`
	StrictRecords    bool          `mapstructure:"strict_records"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	// DeriveConnectable reports only ADV_IND and ADV_DIRECT_IND devices as
	// connectable; by default every device is
	DeriveConnectable bool `mapstructure:"derive_connectable"`
}

// Transformer represents a beacon decoding script
type Transformer struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
	// ManufacturerID selects events carrying this company id; nil matches nothing
	// unless the transformer is named "default".
	ManufacturerID *int `mapstructure:"manufacturer_id"`
}

// LoggerConfig represents the logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// StorageConfig represents the storage configuration
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
}

// FileStorageConfig represents the file storage configuration
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig represents the database storage configuration
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// NATSConfig represents the NATS event forwarding configuration
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// ConfigChangeCallback is called after the configuration file changed
type ConfigChangeCallback func(cfg *Config) error

var setDefaultsOnce sync.Once

func setDefaults() {
	viper.SetDefault("mqtt.discovery_prefix", "ab_gateway")
	viper.SetDefault("mqtt.qos", 0)
	viper.SetDefault("mqtt.connect_timeout", 10*time.Second)
	viper.SetDefault("scanner.id", "ab_gateway")
	viper.SetDefault("scanner.domain", "ab_gateway")
	viper.SetDefault("scanner.queue_size", 4096)
	viper.SetDefault("scanner.poll_interval", time.Second)
	viper.SetDefault("scanner.cache_size", 0)
	viper.SetDefault("scanner.strict_records", false)
	viper.SetDefault("scanner.subscriber_buffer", 256)
	viper.SetDefault("scanner.derive_connectable", false)
	viper.SetDefault("nats.subject_prefix", "ble.advertisements")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.max_size", 10)
	viper.SetDefault("logger.max_backups", 5)
	viper.SetDefault("logger.console", true)
}

// LoadConfig loads the configuration file at configPath
func LoadConfig(configPath string) (*Config, error) {
	setDefaultsOnce.Do(func() {
		setDefaults()
		viper.SetEnvPrefix(EnvPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
	})

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return decode()
}

func decode() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the settings the pipeline cannot run without
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker cannot be empty")
	}
	if strings.TrimSpace(c.MQTT.DiscoveryPrefix) == "" {
		return fmt.Errorf("mqtt.discovery_prefix cannot be empty")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Scanner.PollInterval <= 0 {
		return fmt.Errorf("scanner.poll_interval must be positive")
	}
	if c.Storage.Database.Enabled && c.Storage.Database.DSN == "" {
		return fmt.Errorf("storage.database.dsn cannot be empty when the database is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url cannot be empty when nats is enabled")
	}
	return nil
}

// WatchConfig watches the configuration file and calls callback on changes
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	viper.SetConfigFile(absPath)
	viper.WatchConfig()

	// debounce editors that write the file several times
	var (
		mu               sync.Mutex
		lastChangeTime   time.Time
		debounceInterval = 2 * time.Second
	)

	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) {
			return
		}

		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("config file changed: %s", e.Name)

		newConfig, err := decode()
		if err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}

		if err := callback(newConfig); err != nil {
			logger.Error("failed to apply updated config: %v", err)
			return
		}

		logger.Info("config updated and applied")
	})

	return nil
}
