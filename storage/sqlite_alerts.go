package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"threathawk/core"
)

// SQLiteAlertStore persists alerts and their lifecycle state.
type SQLiteAlertStore struct {
	db *SQLite
}

// NewSQLiteAlertStore creates the alert store over an open database.
func NewSQLiteAlertStore(db *SQLite) *SQLiteAlertStore {
	return &SQLiteAlertStore{db: db}
}

// InsertAlert stores a newly created alert.
func (s *SQLiteAlertStore) InsertAlert(ctx context.Context, alert *core.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert cannot be nil")
	}
	eventIDs, err := json.Marshal(alert.EventIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal event ids: %w", err)
	}
	_, err = s.db.WriteDB.ExecContext(ctx, `
		INSERT INTO alerts (id, entity, first_seen, last_seen, status, severity, peak_score, event_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.Entity,
		alert.FirstSeen.UnixNano(), alert.LastSeen.UnixNano(),
		string(alert.Status), alert.Severity, alert.PeakScore,
		string(eventIDs), alert.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// UpdateAlert rewrites an existing alert's mutable fields.
func (s *SQLiteAlertStore) UpdateAlert(ctx context.Context, alert *core.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert cannot be nil")
	}
	eventIDs, err := json.Marshal(alert.EventIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal event ids: %w", err)
	}
	res, err := s.db.WriteDB.ExecContext(ctx, `
		UPDATE alerts
		SET last_seen = ?, status = ?, severity = ?, peak_score = ?, event_ids = ?, updated_at = ?
		WHERE id = ?`,
		alert.LastSeen.UnixNano(), string(alert.Status), alert.Severity,
		alert.PeakScore, string(eventIDs), alert.UpdatedAt.UnixNano(),
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrAlertNotFound
	}
	return nil
}

// GetAlert fetches one alert by ID.
func (s *SQLiteAlertStore) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	row := s.db.ReadDB.QueryRowContext(ctx, `
		SELECT id, entity, first_seen, last_seen, status, severity, peak_score, event_ids, updated_at
		FROM alerts WHERE id = ?`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrAlertNotFound
	}
	return alert, err
}

// ListOpenAlerts returns all alerts still in an open status.
func (s *SQLiteAlertStore) ListOpenAlerts(ctx context.Context) ([]*core.Alert, error) {
	return s.queryAlerts(ctx, `
		SELECT id, entity, first_seen, last_seen, status, severity, peak_score, event_ids, updated_at
		FROM alerts WHERE status IN (?, ?) ORDER BY first_seen`,
		string(core.AlertStatusNew), string(core.AlertStatusAcknowledged))
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *SQLiteAlertStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*core.Alert, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Entity != "" {
		conds = append(conds, "entity = ?")
		args = append(args, filter.Entity)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, filter.Severity)
	}

	query := `SELECT id, entity, first_seen, last_seen, status, severity, peak_score, event_ids, updated_at FROM alerts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_seen DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.queryAlerts(ctx, query, args...)
}

func (s *SQLiteAlertStore) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]*core.Alert, error) {
	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*core.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row scanner) (*core.Alert, error) {
	var (
		alert        core.Alert
		status       string
		firstSeen    int64
		lastSeen     int64
		updatedAt    int64
		eventIDsJSON string
	)
	err := row.Scan(
		&alert.ID, &alert.Entity, &firstSeen, &lastSeen,
		&status, &alert.Severity, &alert.PeakScore, &eventIDsJSON, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.Status = core.AlertStatus(status)
	alert.FirstSeen = time.Unix(0, firstSeen).UTC()
	alert.LastSeen = time.Unix(0, lastSeen).UTC()
	alert.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := json.Unmarshal([]byte(eventIDsJSON), &alert.EventIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event ids: %w", err)
	}
	return &alert, nil
}
