package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"threathawk/core"
)

// SQLiteEventStore persists scored events.
type SQLiteEventStore struct {
	db *SQLite
}

// NewSQLiteEventStore creates the event store over an open database.
func NewSQLiteEventStore(db *SQLite) *SQLiteEventStore {
	return &SQLiteEventStore{db: db}
}

// InsertEvent stores an event together with its score. Re-inserting the same
// (entity, sequence) pair is a no-op, which makes replayed ingestion
// idempotent at the storage layer as well.
func (s *SQLiteEventStore) InsertEvent(ctx context.Context, ev *core.NormalizedEvent, score *core.ThreatScore) error {
	if ev == nil || score == nil {
		return fmt.Errorf("event and score cannot be nil")
	}

	matched, err := json.Marshal(score.MatchedRules)
	if err != nil {
		return fmt.Errorf("failed to marshal matched rules: %w", err)
	}

	var anomaly sql.NullFloat64
	if score.AnomalyScore != nil {
		anomaly = sql.NullFloat64{Float64: *score.AnomalyScore, Valid: true}
	}

	_, err = s.db.WriteDB.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (
			id, entity, source, sequence, timestamp,
			process_name, pid, cpu_percent, memory_percent,
			source_ip, destination_ip, destination_port, bytes_sent, bytes_received,
			path, operation,
			rule_score, anomaly_score, combined_score, matched_rules
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.Entity, string(ev.Source), ev.Sequence, ev.Timestamp.UnixNano(),
		ev.ProcessName, ev.PID, ev.CPUPercent, ev.MemoryPercent,
		ev.SourceIP, ev.DestinationIP, ev.DestinationPort, ev.BytesSent, ev.BytesReceived,
		ev.Path, ev.Operation,
		score.RuleScore, anomaly, score.CombinedScore, string(matched),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns stored events matching the filter, newest first.
func (s *SQLiteEventStore) ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Entity != "" {
		conds = append(conds, "entity = ?")
		args = append(args, filter.Entity)
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.MinScore > 0 {
		conds = append(conds, "combined_score >= ?")
		args = append(args, filter.MinScore)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.Until.UnixNano())
	}

	query := `SELECT id, entity, source, sequence, timestamp,
		process_name, pid, cpu_percent, memory_percent,
		source_ip, destination_ip, destination_port, bytes_sent, bytes_received,
		path, operation,
		rule_score, anomaly_score, combined_score, matched_rules
		FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []*EventRecord
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// BaselineEvents returns events scored below the threshold, ordered by entity
// and sequence so the trainer can replay each entity's history in order.
func (s *SQLiteEventStore) BaselineEvents(ctx context.Context, threshold float64, limit int) ([]*core.NormalizedEvent, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := s.db.ReadDB.QueryContext(ctx, `
		SELECT id, entity, source, sequence, timestamp,
			process_name, pid, cpu_percent, memory_percent,
			source_ip, destination_ip, destination_port, bytes_sent, bytes_received,
			path, operation,
			rule_score, anomaly_score, combined_score, matched_rules
		FROM events
		WHERE combined_score < ?
		ORDER BY entity, sequence
		LIMIT ?`, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline events: %w", err)
	}
	defer rows.Close()

	var events []*core.NormalizedEvent
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, rec.Event)
	}
	return events, rows.Err()
}

func scanEventRecord(rows *sql.Rows) (*EventRecord, error) {
	var (
		ev          core.NormalizedEvent
		score       core.ThreatScore
		source      string
		ts          int64
		anomaly     sql.NullFloat64
		matchedJSON string
	)
	err := rows.Scan(
		&ev.EventID, &ev.Entity, &source, &ev.Sequence, &ts,
		&ev.ProcessName, &ev.PID, &ev.CPUPercent, &ev.MemoryPercent,
		&ev.SourceIP, &ev.DestinationIP, &ev.DestinationPort, &ev.BytesSent, &ev.BytesReceived,
		&ev.Path, &ev.Operation,
		&score.RuleScore, &anomaly, &score.CombinedScore, &matchedJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	ev.Source = core.SourceKind(source)
	ev.Timestamp = time.Unix(0, ts).UTC()

	score.EventID = ev.EventID
	score.Entity = ev.Entity
	score.Sequence = ev.Sequence
	score.Timestamp = ev.Timestamp
	if anomaly.Valid {
		v := anomaly.Float64
		score.AnomalyScore = &v
	}
	if err := json.Unmarshal([]byte(matchedJSON), &score.MatchedRules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal matched rules: %w", err)
	}

	return &EventRecord{Event: &ev, Score: &score}, nil
}
