package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eddielth/ble-trans/logger"
	"github.com/eddielth/ble-trans/transformer"
)

// FileStorage writes one JSON file per reading under <base>/<device type>/
type FileStorage struct {
	basePath string
}

// NewFileStorage creates basePath if needed
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
	}, nil
}

// Store saves data to a new file
func (fs *FileStorage) Store(deviceType string, data transformer.DeviceData) error {
	deviceDir := filepath.Join(fs.basePath, pathToken(deviceType))
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", deviceDir, err)
	}

	ts := time.UnixMilli(data.Timestamp)
	if data.Timestamp == 0 {
		ts = time.Now()
	}
	filename := filepath.Join(deviceDir, fmt.Sprintf("%s_%s_%s.json",
		ts.Format("20060102-150405.000"), pathToken(data.Address), uuid.NewString()[:8]))

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize data failed: %w", err)
	}

	if err := os.WriteFile(filename, jsonData, 0644); err != nil {
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}

	logger.Debug("stored reading to file: %s", filename)
	return nil
}

// Close implements Backend
func (fs *FileStorage) Close() error {
	return nil
}

func pathToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\', ' ':
			return '-'
		}
		return r
	}, s)
}
