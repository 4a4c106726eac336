package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteModelStore persists versioned anomaly model snapshots. Snapshots are
// immutable; loading always picks the highest version.
type SQLiteModelStore struct {
	db *SQLite
}

// NewSQLiteModelStore creates the model store over an open database.
func NewSQLiteModelStore(db *SQLite) *SQLiteModelStore {
	return &SQLiteModelStore{db: db}
}

// SaveSnapshot stores one model snapshot blob. Writing an existing version
// replaces it, so a retried save converges instead of erroring.
func (s *SQLiteModelStore) SaveSnapshot(ctx context.Context, version int, blob []byte) error {
	if len(blob) == 0 {
		return fmt.Errorf("snapshot blob cannot be empty")
	}
	_, err := s.db.WriteDB.ExecContext(ctx, `
		INSERT OR REPLACE INTO model_snapshots (version, trained_at, blob)
		VALUES (?, ?, ?)`,
		version, time.Now().UTC().UnixNano(), blob)
	if err != nil {
		return fmt.Errorf("failed to save model snapshot: %w", err)
	}
	return nil
}

// LoadLatestSnapshot returns the most recent snapshot by version.
func (s *SQLiteModelStore) LoadLatestSnapshot(ctx context.Context) (int, []byte, error) {
	var (
		version int
		blob    []byte
	)
	err := s.db.ReadDB.QueryRowContext(ctx, `
		SELECT version, blob FROM model_snapshots
		ORDER BY version DESC LIMIT 1`).Scan(&version, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, fmt.Errorf("no model snapshot stored")
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load model snapshot: %w", err)
	}
	return version, blob, nil
}
