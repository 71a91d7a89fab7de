// Package db persists client session history and operator alerts in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// pragmas are applied to every opened database. A failing pragma is logged
// and otherwise ignored.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Database is a single-connection SQLite handle. Writes are serialized by
// mu; reads go straight to the pool.
type Database struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewDatabase opens dbPath, creating the file and its directory if needed.
func NewDatabase(dbPath string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	// One connection: pragmas are per connection and SQLite has a single writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			log.Warn().Err(err).Str("pragma", p).Msg("database pragma failed")
		}
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database %s: %w", dbPath, err)
	}

	log.Info().Str("path", dbPath).Msg("database opened")
	return &Database{db: sqlDB, path: dbPath}, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Exec runs a write statement.
func (d *Database) Exec(query string, args ...interface{}) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec(query, args...)
}

// Query runs a read statement.
func (d *Database) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

// QueryRow runs a read statement expected to yield at most one row.
func (d *Database) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// Migrate brings the schema to version. The script runs in one transaction
// and only when the stored user_version is older.
func (d *Database) Migrate(version int, schema string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var current int
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= version {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	if _, err := tx.Exec(schema); err != nil {
		tx.Rollback()
		return fmt.Errorf("migrate schema to v%d: %w", version, err)
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		tx.Rollback()
		return fmt.Errorf("store schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	log.Info().Str("path", d.path).Int("from", current).Int("to", version).Msg("database schema migrated")
	return nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}
