// Package journal persists operational events and a little node state
// in SQLite so that drops, discards and reconnects can be inspected
// after the fact. It is optional: the node runs the same without it.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/fieldnode/internal/events"
)

// Store is an event log plus a namespaced key-value table. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal at path. The schema is created on
// first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single connection: the follower and boot bookkeeping share it.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id     INTEGER PRIMARY KEY AUTOINCREMENT,
		ts     TEXT NOT NULL,
		source TEXT NOT NULL,
		kind   TEXT NOT NULL,
		data   TEXT
	);
	CREATE INDEX IF NOT EXISTS events_source_kind ON events (source, kind);

	CREATE TABLE IF NOT EXISTS node_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one event.
func (s *Store) Record(e events.Event) error {
	var data sql.NullString
	if len(e.Data) > 0 {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal %s/%s data: %w", e.Source, e.Kind, err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO events (ts, source, kind, data) VALUES (?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Source, e.Kind, data,
	)
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", e.Source, e.Kind, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(limit int) ([]events.Event, error) {
	rows, err := s.db.Query(
		`SELECT ts, source, kind, data FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ts   string
			e    events.Event
			data sql.NullString
		)
		if err := rows.Scan(&ts, &e.Source, &e.Kind, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns how many events of source/kind were recorded.
func (s *Store) Count(source, kind string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE source = ? AND kind = ?`,
		source, kind,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s/%s: %w", source, kind, err)
	}
	return n, nil
}

// Get returns the stored value for a namespace/key pair, or "" if the
// key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM node_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO node_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// RecordBoot increments the persisted boot counter, remembers bootID
// as the latest boot and returns the new count.
func (s *Store) RecordBoot(bootID string) (int, error) {
	prev, err := s.Get("node", "boot_count")
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(prev)
	n++
	if err := s.Set("node", "boot_count", strconv.Itoa(n)); err != nil {
		return 0, err
	}
	if err := s.Set("node", "last_boot_id", bootID); err != nil {
		return 0, err
	}
	return n, nil
}

// Follow records every event published on bus until ctx ends. Write
// failures are logged and skipped.
func Follow(ctx context.Context, bus *events.Bus, s *Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Record(e); err != nil {
				logger.Warn("journal write failed", "error", err)
			}
		}
	}
}
