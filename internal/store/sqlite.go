// Package store is the durable tier: the persisted response cache, the
// per-symbol/day coverage table, and the source-of-truth market/social
// tables coverage is derived from.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle shared by all DAOs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS response_cache (
		cache_key  TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_response_cache_expires ON response_cache(expires_at)`,

	`CREATE TABLE IF NOT EXISTS coverage (
		symbol           TEXT NOT NULL,
		date             TEXT NOT NULL,
		has_messages     INTEGER NOT NULL DEFAULT 0,
		has_analytics    INTEGER NOT NULL DEFAULT 0,
		has_price        INTEGER NOT NULL DEFAULT 0,
		message_count    INTEGER NOT NULL DEFAULT 0,
		ingestion_status TEXT,
		job_id           TEXT,
		heartbeat_at     INTEGER,
		updated_at       INTEGER NOT NULL,
		UNIQUE(symbol, date)
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		symbol     TEXT NOT NULL,
		body       TEXT NOT NULL,
		sentiment  REAL,
		posted_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_symbol_posted ON messages(symbol, posted_at)`,

	`CREATE TABLE IF NOT EXISTS price_points (
		symbol TEXT NOT NULL,
		ts     INTEGER NOT NULL,
		open   REAL NOT NULL,
		high   REAL NOT NULL,
		low    REAL NOT NULL,
		close  REAL NOT NULL,
		volume INTEGER NOT NULL,
		UNIQUE(symbol, ts)
	)`,

	`CREATE TABLE IF NOT EXISTS daily_analytics (
		symbol         TEXT NOT NULL,
		date           TEXT NOT NULL,
		message_volume INTEGER NOT NULL DEFAULT 0,
		avg_sentiment  REAL,
		updated_at     INTEGER NOT NULL,
		UNIQUE(symbol, date)
	)`,
}

func applySchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}
