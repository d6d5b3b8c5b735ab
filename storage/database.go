package storage

import (
	"encoding/json"
	"fmt"

	"github.com/eddielth/ble-trans/transformer"
)

// DatabaseType names a supported SQL database
type DatabaseType string

const (
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
)

// DatabaseStorage is a Backend that owns its schema
type DatabaseStorage interface {
	Backend
	// InitDatabase creates the advertisements tables if missing
	InitDatabase() error
}

// NewDatabaseStorage opens the database of the given type
func NewDatabaseStorage(dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(dsn)
	case PostgreSQL, "postgres":
		return NewPostgreSQLStorage(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// attributeRow is one advertisement_attributes row
type attributeRow struct {
	name     string
	typ      string
	value    string
	unit     string
	quality  int
	metadata []byte
}

func attributeRows(data transformer.DeviceData) ([]attributeRow, error) {
	rows := make([]attributeRow, 0, len(data.Attributes))
	for _, attr := range data.Attributes {
		metadata, err := json.Marshal(attr.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize metadata of attribute %s: %w", attr.Name, err)
		}
		rows = append(rows, attributeRow{
			name:     attr.Name,
			typ:      attr.Type,
			value:    fmt.Sprintf("%v", attr.Value),
			unit:     attr.Unit,
			quality:  attr.Quality,
			metadata: metadata,
		})
	}
	return rows, nil
}
