// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is bumped whenever the schema changes incompatibly.
const schemaVersion = "1"

// ErrDatabaseMismatch is returned when an existing database was created
// for a different network or schema version.
var ErrDatabaseMismatch = errors.New("database mismatch")

// Storage provides persistent storage for the faucet daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string

	// Network names the chain this database belongs to. An existing
	// database created for a different network refuses to open.
	Network string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "faucet.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.checkConsistency(cfg.Network); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Database metadata (schema version, network)
	CREATE TABLE IF NOT EXISTS info (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- Preload type registry
	-- outputs is the JSON array of denominations in satoshis
	CREATE TABLE IF NOT EXISTS preload_types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		outputs TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Stockpiled preload bundles, one row per unclaimed bundle.
	-- data is the full bundle JSON including private key material.
	CREATE TABLE IF NOT EXISTS preloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type_id INTEGER NOT NULL,
		bundle_id TEXT UNIQUE NOT NULL,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,

		FOREIGN KEY (type_id) REFERENCES preload_types(id)
	);

	CREATE INDEX IF NOT EXISTS idx_preloads_type ON preloads(type_id);
	CREATE INDEX IF NOT EXISTS idx_preloads_created ON preloads(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// checkConsistency verifies the database belongs to this schema version
// and network, recording both on first open.
func (s *Storage) checkConsistency(network string) error {
	stored, err := s.getInfo("schema_version")
	if err != nil {
		return err
	}
	if stored == "" {
		if err := s.setInfo("schema_version", schemaVersion); err != nil {
			return err
		}
	} else if stored != schemaVersion {
		return fmt.Errorf("%w: database schema version %s, expected %s",
			ErrDatabaseMismatch, stored, schemaVersion)
	}

	stored, err = s.getInfo("network")
	if err != nil {
		return err
	}
	if stored == "" {
		return s.setInfo("network", network)
	}
	if stored != network {
		return fmt.Errorf("%w: database created for network %q, configured network is %q",
			ErrDatabaseMismatch, stored, network)
	}
	return nil
}

func (s *Storage) getInfo(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM info WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read info %s: %w", key, err)
	}
	return value, nil
}

func (s *Storage) setInfo(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO info (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write info %s: %w", key, err)
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
