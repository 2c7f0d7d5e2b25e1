package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the event archive, the follower cursor, and webhook
// delivery attempts.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            digest TEXT PRIMARY KEY,
            height INTEGER NOT NULL,
            position INTEGER NOT NULL,
            type TEXT NOT NULL,
            attributes TEXT NOT NULL,
            archived_at TIMESTAMP NOT NULL,
            UNIQUE(height, position)
        );`,
		`CREATE INDEX IF NOT EXISTS events_height ON events(height);`,
		`CREATE INDEX IF NOT EXISTS events_type ON events(type);`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
            id TEXT PRIMARY KEY,
            endpoint_id TEXT NOT NULL,
            event_digest TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ArchivedEvent is one event row in the archive.
type ArchivedEvent struct {
	Digest     string            `json:"digest"`
	Height     uint64            `json:"height"`
	Position   int               `json:"position"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	ArchivedAt time.Time         `json:"archivedAt"`
}

// InsertEvent archives an event, ignoring digests already present.
func (s *SQLiteStore) InsertEvent(ctx context.Context, evt ArchivedEvent) (bool, error) {
	payload, err := json.Marshal(evt.Attributes)
	if err != nil {
		return false, err
	}
	const stmt = `INSERT OR IGNORE INTO events(digest, height, position, type, attributes, archived_at) VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, evt.Digest, evt.Height, evt.Position, evt.Type, string(payload), evt.ArchivedAt)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// EventsSince returns up to limit archived events with height greater than
// after, in (height, position) order.
func (s *SQLiteStore) EventsSince(ctx context.Context, after uint64, limit int) ([]ArchivedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT digest, height, position, type, attributes, archived_at FROM events WHERE height > ? ORDER BY height ASC, position ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []ArchivedEvent
	for rows.Next() {
		var evt ArchivedEvent
		var payload string
		if err := rows.Scan(&evt.Digest, &evt.Height, &evt.Position, &evt.Type, &payload, &evt.ArchivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &evt.Attributes); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// EventsByType filters the archive by event type.
func (s *SQLiteStore) EventsByType(ctx context.Context, eventType string, limit int) ([]ArchivedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT digest, height, position, type, attributes, archived_at FROM events WHERE type = ? ORDER BY height DESC, position DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, eventType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []ArchivedEvent
	for rows.Next() {
		var evt ArchivedEvent
		var payload string
		if err := rows.Scan(&evt.Digest, &evt.Height, &evt.Position, &evt.Type, &payload, &evt.ArchivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &evt.Attributes); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// EventCount reports the number of archived events.
func (s *SQLiteStore) EventCount(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// LastArchivedHeight returns the follower cursor, zero when unset.
func (s *SQLiteStore) LastArchivedHeight(ctx context.Context) (uint64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = 'blocks'`
	row := s.db.QueryRowContext(ctx, query)
	var value int64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if value < 0 {
		return 0, nil
	}
	return uint64(value), nil
}

// UpdateArchivedHeight advances the follower cursor.
func (s *SQLiteStore) UpdateArchivedHeight(ctx context.Context, height uint64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES('blocks', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, int64(height))
	return err
}

// DeliveryAttempt captures one webhook delivery attempt.
type DeliveryAttempt struct {
	ID          string
	EndpointID  string
	EventDigest string
	Attempt     int
	Status      string
	Error       string
	NextAttempt time.Time
	CreatedAt   time.Time
}

// InsertDeliveryAttempt records a webhook delivery attempt.
func (s *SQLiteStore) InsertDeliveryAttempt(ctx context.Context, attempt DeliveryAttempt) error {
	const stmt = `INSERT INTO webhook_deliveries(id, endpoint_id, event_digest, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, attempt.ID, attempt.EndpointID, attempt.EventDigest, attempt.Attempt, attempt.Status, attempt.Error, nullTime(attempt.NextAttempt), attempt.CreatedAt)
	return err
}

// DeliveriesForEndpoint lists recent delivery attempts against one endpoint.
func (s *SQLiteStore) DeliveriesForEndpoint(ctx context.Context, endpointID string, limit int) ([]DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, endpoint_id, event_digest, attempt, status, error, next_attempt, created_at FROM webhook_deliveries WHERE endpoint_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []DeliveryAttempt
	for rows.Next() {
		var attempt DeliveryAttempt
		var errMsg sql.NullString
		var next sql.NullTime
		if err := rows.Scan(&attempt.ID, &attempt.EndpointID, &attempt.EventDigest, &attempt.Attempt, &attempt.Status, &errMsg, &next, &attempt.CreatedAt); err != nil {
			return nil, err
		}
		attempt.Error = errMsg.String
		if next.Valid {
			attempt.NextAttempt = next.Time
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attempts, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
