package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/eddielth/ble-trans/logger"
	"github.com/eddielth/ble-trans/transformer"
)

// MySQLStorage stores readings in MySQL
type MySQLStorage struct {
	db       *sql.DB
	database string
}

// NewMySQLStorage creates the database if missing, connects and creates the tables
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}

	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
		quoteMySQLIdentifier(database)))
	if err != nil {
		return nil, fmt.Errorf("failed to create database %s: %w", database, err)
	}

	logger.Info("MySQL database %s exists", database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	storage := &MySQLStorage{
		db:       db,
		database: database,
	}

	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize MySQL database: %w", err)
	}

	logger.Info("MySQL storage initialized")
	return storage, nil
}

// parseMySQLDSN returns the database name and the same DSN without it
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", "", err
	}
	if cfg.DBName == "" {
		return "", "", fmt.Errorf("DSN has no database name")
	}

	database = cfg.DBName
	cfg.DBName = ""
	return database, cfg.FormatDSN(), nil
}

func quoteMySQLIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// InitDatabase creates the tables
func (ms *MySQLStorage) InitDatabase() error {
	advertisementTableSQL := `
	CREATE TABLE IF NOT EXISTS advertisements (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		address VARCHAR(17) NOT NULL,
		device_name VARCHAR(255) NOT NULL,
		device_type VARCHAR(255) NOT NULL,
		source VARCHAR(255) NOT NULL,
		gateway_id VARCHAR(255) NOT NULL,
		rssi INT NOT NULL,
		timestamp BIGINT NOT NULL,
		metadata JSON,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_address (address),
		INDEX idx_device_type (device_type),
		INDEX idx_gateway_id (gateway_id),
		INDEX idx_timestamp (timestamp)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	attributeTableSQL := `
	CREATE TABLE IF NOT EXISTS advertisement_attributes (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		advertisement_id BIGINT NOT NULL,
		name VARCHAR(255) NOT NULL,
		type VARCHAR(50) NOT NULL,
		value TEXT NOT NULL,
		unit VARCHAR(50),
		quality INT,
		metadata JSON,
		FOREIGN KEY (advertisement_id) REFERENCES advertisements(id) ON DELETE CASCADE,
		INDEX idx_advertisement_id (advertisement_id),
		INDEX idx_name (name)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := ms.db.Exec(advertisementTableSQL); err != nil {
		return fmt.Errorf("failed to create advertisements table: %w", err)
	}

	if _, err := ms.db.Exec(attributeTableSQL); err != nil {
		return fmt.Errorf("failed to create advertisement_attributes table: %w", err)
	}

	logger.Info("MySQL tables initialized in %s", ms.database)
	return nil
}

// Store inserts the reading and its attributes in one transaction
func (ms *MySQLStorage) Store(deviceType string, data transformer.DeviceData) (err error) {
	metadataJSON, err := json.Marshal(data.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}
	rows, err := attributeRows(data)
	if err != nil {
		return err
	}

	tx, err := ms.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	result, err := tx.Exec(`INSERT INTO advertisements (address, device_name, device_type, source, gateway_id, rssi, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		data.Address, data.DeviceName, deviceType, data.Source, data.GatewayID, data.RSSI, data.Timestamp, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to insert advertisement: %w", err)
	}

	advertisementID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted id: %w", err)
	}

	if len(rows) > 0 {
		valueStrings := make([]string, 0, len(rows))
		valueArgs := make([]interface{}, 0, len(rows)*7)
		for _, r := range rows {
			valueStrings = append(valueStrings, "(?, ?, ?, ?, ?, ?, ?)")
			valueArgs = append(valueArgs, advertisementID, r.name, r.typ, r.value, r.unit, r.quality, r.metadata)
		}

		attrSQL := fmt.Sprintf("INSERT INTO advertisement_attributes (advertisement_id, name, type, value, unit, quality, metadata) VALUES %s",
			strings.Join(valueStrings, ","))
		if _, err = tx.Exec(attrSQL, valueArgs...); err != nil {
			return fmt.Errorf("failed to insert attributes: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("stored %s reading of %s to MySQL", deviceType, data.Address)
	return nil
}

// Close closes the connection pool
func (ms *MySQLStorage) Close() error {
	if ms.db != nil {
		if err := ms.db.Close(); err != nil {
			return fmt.Errorf("failed to close MySQL connection: %w", err)
		}
		logger.Info("MySQL connection closed")
	}
	return nil
}
