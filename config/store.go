package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"devicehub/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS stream_configs (
	device_id  TEXT PRIMARY KEY,
	config     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// StreamConfigStore persists per-device stream configs so they survive
// process restarts.
type StreamConfigStore struct {
	db *sql.DB
}

// OpenStreamConfigStore opens (creating if needed) the SQLite database at
// path and ensures the schema exists.
func OpenStreamConfigStore(path string) (*StreamConfigStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &StreamConfigStore{db: db}, nil
}

func (s *StreamConfigStore) Close() error {
	return s.db.Close()
}

// Save stores the config for a device, replacing any previous row.
func (s *StreamConfigStore) Save(deviceID string, cfg models.StreamSessionConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO stream_configs (device_id, config, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		deviceID, string(raw), time.Now().Unix(),
	)
	return err
}

// Load returns the stored config for a device; ok is false when none exists.
func (s *StreamConfigStore) Load(deviceID string) (cfg models.StreamSessionConfig, ok bool, err error) {
	var raw string
	row := s.db.QueryRow(`SELECT config FROM stream_configs WHERE device_id = ?`, deviceID)
	if err = row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return cfg, false, nil
		}
		return cfg, false, err
	}
	if err = json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, false, err
	}
	return cfg, true, nil
}

// LoadAll returns every stored device config, keyed by device id.
func (s *StreamConfigStore) LoadAll() (map[string]models.StreamSessionConfig, error) {
	rows, err := s.db.Query(`SELECT device_id, config FROM stream_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]models.StreamSessionConfig)
	for rows.Next() {
		var deviceID, raw string
		if err := rows.Scan(&deviceID, &raw); err != nil {
			return nil, err
		}
		var cfg models.StreamSessionConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			continue
		}
		configs[deviceID] = cfg
	}
	return configs, rows.Err()
}

// Delete removes the stored config for a device.
func (s *StreamConfigStore) Delete(deviceID string) error {
	_, err := s.db.Exec(`DELETE FROM stream_configs WHERE device_id = ?`, deviceID)
	return err
}
