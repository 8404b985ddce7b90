// Package storage provides persistent swap-state storage using SQLite.
// Every successful write survives process restart before returning.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage is the durable swap.Store backend.
type Storage struct {
	db     *sql.DB
	dbPath string

	// Per-order locks linearise mutations for a given order id; different
	// order ids proceed in parallel.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "resolver.db")

	// FULL synchronous: a returned write must survive power loss, not
	// just process restart.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
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
		locks:  make(map[string]*sync.Mutex),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Swap state, one row per order. The full aggregate lives in the
	-- state JSON blob; status and created_at are duplicated into columns
	-- for queries.
	CREATE TABLE IF NOT EXISTS swaps (
		order_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_created_at ON swaps(created_at);
	CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);

	-- Transaction receipts in insertion order. The rowid sequence makes
	-- claim ordering auditable after the fact.
	CREATE TABLE IF NOT EXISTS receipts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		side TEXT NOT NULL,
		op TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		receipt TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_order ON receipts(order_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// lockFor returns the mutex serialising one order id.
func (s *Storage) lockFor(orderID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[orderID] = l
	}
	return l
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
