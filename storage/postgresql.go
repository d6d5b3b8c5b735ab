package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/eddielth/ble-trans/logger"
	"github.com/eddielth/ble-trans/transformer"
)

// PostgreSQLStorage stores readings in PostgreSQL
type PostgreSQLStorage struct {
	db       *sql.DB
	database string
}

// NewPostgreSQLStorage creates the database if missing, connects and creates the tables
func NewPostgreSQLStorage(dsn string) (*PostgreSQLStorage, error) {
	database, serverDSN, err := parsePostgreSQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL DSN: %w", err)
	}

	serverDB, err := sql.Open("postgres", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL server: %w", err)
	}
	defer serverDB.Close()

	var exists bool
	err = serverDB.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", database).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check database %s: %w", database, err)
	}

	// CREATE DATABASE cannot run inside a transaction
	if !exists {
		if _, err = serverDB.Exec("CREATE DATABASE " + pq.QuoteIdentifier(database)); err != nil {
			return nil, fmt.Errorf("failed to create database %s: %w", database, err)
		}
		logger.Info("created PostgreSQL database: %s", database)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	storage := &PostgreSQLStorage{
		db:       db,
		database: database,
	}

	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize PostgreSQL database: %w", err)
	}

	logger.Info("PostgreSQL storage initialized")
	return storage, nil
}

// parsePostgreSQLDSN returns the database name and a DSN for the maintenance
// database on the same server. URL DSNs are converted to key=value form.
func parsePostgreSQLDSN(dsn string) (database string, serverDSN string, err error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if dsn, err = pq.ParseURL(dsn); err != nil {
			return "", "", err
		}
	}

	kvPairs := strings.Fields(dsn)
	serverKVPairs := make([]string, 0, len(kvPairs)+1)
	for _, kv := range kvPairs {
		if strings.HasPrefix(kv, "dbname=") {
			database = strings.Trim(strings.TrimPrefix(kv, "dbname="), "'")
			continue
		}
		serverKVPairs = append(serverKVPairs, kv)
	}

	if database == "" {
		return "", "", fmt.Errorf("DSN has no database name")
	}

	serverKVPairs = append(serverKVPairs, "dbname=postgres")
	return database, strings.Join(serverKVPairs, " "), nil
}

// InitDatabase creates the tables
func (ps *PostgreSQLStorage) InitDatabase() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS advertisements (
			id BIGSERIAL PRIMARY KEY,
			address VARCHAR(17) NOT NULL,
			device_name VARCHAR(255) NOT NULL,
			device_type VARCHAR(255) NOT NULL,
			source VARCHAR(255) NOT NULL,
			gateway_id VARCHAR(255) NOT NULL,
			rssi INTEGER NOT NULL,
			timestamp BIGINT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_advertisements_address ON advertisements(address)`,
		`CREATE INDEX IF NOT EXISTS idx_advertisements_device_type ON advertisements(device_type)`,
		`CREATE INDEX IF NOT EXISTS idx_advertisements_gateway_id ON advertisements(gateway_id)`,
		`CREATE INDEX IF NOT EXISTS idx_advertisements_timestamp ON advertisements(timestamp)`,
		`CREATE TABLE IF NOT EXISTS advertisement_attributes (
			id BIGSERIAL PRIMARY KEY,
			advertisement_id BIGINT NOT NULL REFERENCES advertisements(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			type VARCHAR(50) NOT NULL,
			value TEXT NOT NULL,
			unit VARCHAR(50),
			quality INTEGER,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_advertisement_attributes_advertisement_id ON advertisement_attributes(advertisement_id)`,
		`CREATE INDEX IF NOT EXISTS idx_advertisement_attributes_name ON advertisement_attributes(name)`,
	}

	for _, stmt := range statements {
		if _, err := ps.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	logger.Info("PostgreSQL tables initialized in %s", ps.database)
	return nil
}

// Store inserts the reading and its attributes in one transaction
func (ps *PostgreSQLStorage) Store(deviceType string, data transformer.DeviceData) (err error) {
	metadataJSON, err := json.Marshal(data.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}
	rows, err := attributeRows(data)
	if err != nil {
		return err
	}

	tx, err := ps.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var advertisementID int64
	err = tx.QueryRow(`INSERT INTO advertisements (address, device_name, device_type, source, gateway_id, rssi, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		data.Address, data.DeviceName, deviceType, data.Source, data.GatewayID, data.RSSI, data.Timestamp, metadataJSON).Scan(&advertisementID)
	if err != nil {
		return fmt.Errorf("failed to insert advertisement: %w", err)
	}

	if len(rows) > 0 {
		stmt, err := tx.Prepare(pq.CopyIn("advertisement_attributes",
			"advertisement_id", "name", "type", "value", "unit", "quality", "metadata"))
		if err != nil {
			return fmt.Errorf("failed to prepare attribute copy: %w", err)
		}
		for _, r := range rows {
			if _, err = stmt.Exec(advertisementID, r.name, r.typ, r.value, r.unit, r.quality, string(r.metadata)); err != nil {
				stmt.Close()
				return fmt.Errorf("failed to copy attribute %s: %w", r.name, err)
			}
		}
		if _, err = stmt.Exec(); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to flush attributes: %w", err)
		}
		if err = stmt.Close(); err != nil {
			return fmt.Errorf("failed to close attribute copy: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("stored %s reading of %s to PostgreSQL", deviceType, data.Address)
	return nil
}

// Close closes the connection pool
func (ps *PostgreSQLStorage) Close() error {
	if ps.db != nil {
		if err := ps.db.Close(); err != nil {
			return fmt.Errorf("failed to close PostgreSQL connection: %w", err)
		}
		logger.Info("PostgreSQL connection closed")
	}
	return nil
}
