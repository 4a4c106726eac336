package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the database connections. Separate read and write pools
// leverage WAL mode's concurrency model: unlimited readers plus exactly one
// writer.
type SQLite struct {
	WriteDB *sql.DB // single-connection writer pool
	ReadDB  *sql.DB // concurrent reader pool
	Path    string
	Logger  *zap.SugaredLogger
}

// NewSQLite opens (creating if needed) the database and applies migrations.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// In-memory databases need shared cache so both pools see the same data.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureConnection(writeDB, dbPath); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}
	// WAL mode allows exactly one writer at a time.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureConnection(readDB, dbPath); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}
	if _, err := readDB.Exec("PRAGMA query_only=ON"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only mode on read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infow("SQLite database initialized", "path", dbPath)
	return s, nil
}

// configureConnection applies the pragmas every pool needs. Connection string
// parameters don't apply pragmas reliably, so they are executed explicitly
// and verified.
func configureConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// In-memory databases report "memory" journal mode, not "wal".
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got %q)", journalMode)
	}
	return nil
}

// WithTransaction runs fn inside a write transaction, rolling back on error
// or panic.
func (s *SQLite) WithTransaction(fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id               TEXT PRIMARY KEY,
		entity           TEXT NOT NULL,
		source           TEXT NOT NULL,
		sequence         INTEGER NOT NULL,
		timestamp        INTEGER NOT NULL,
		process_name     TEXT NOT NULL DEFAULT '',
		pid              INTEGER NOT NULL DEFAULT 0,
		cpu_percent      REAL NOT NULL DEFAULT 0,
		memory_percent   REAL NOT NULL DEFAULT 0,
		source_ip        TEXT NOT NULL DEFAULT '',
		destination_ip   TEXT NOT NULL DEFAULT '',
		destination_port INTEGER NOT NULL DEFAULT 0,
		bytes_sent       INTEGER NOT NULL DEFAULT 0,
		bytes_received   INTEGER NOT NULL DEFAULT 0,
		path             TEXT NOT NULL DEFAULT '',
		operation        TEXT NOT NULL DEFAULT '',
		rule_score       REAL NOT NULL DEFAULT 0,
		anomaly_score    REAL,
		combined_score   REAL NOT NULL DEFAULT 0,
		matched_rules    TEXT NOT NULL DEFAULT '[]',
		UNIQUE (entity, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_events_entity_seq ON events (entity, sequence);
	CREATE INDEX IF NOT EXISTS idx_events_combined ON events (combined_score);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);

	CREATE TABLE IF NOT EXISTS alerts (
		id         TEXT PRIMARY KEY,
		entity     TEXT NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen  INTEGER NOT NULL,
		status     TEXT NOT NULL,
		severity   TEXT NOT NULL,
		peak_score REAL NOT NULL,
		event_ids  TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_entity ON alerts (entity);
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (status);

	CREATE TABLE IF NOT EXISTS model_snapshots (
		version    INTEGER PRIMARY KEY,
		trained_at INTEGER NOT NULL,
		blob       BLOB NOT NULL
	);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
