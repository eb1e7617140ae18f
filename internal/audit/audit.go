// Package audit records a registration/unregistration event trail to a
// local SQLite database, using the database/sql + blank-imported driver
// idiom the example pack's sql.Open call sites all follow. Only metadata
// is ever written here (topic name, domain, role, pid, timestamp) — never
// message payloads, so this does not reintroduce persistent message
// storage despite spec.md's Non-goals excluding that.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// EventKind enumerates the registration lifecycle events this trail
// records.
type EventKind string

const (
	EventRegisterPublisher    EventKind = "register_publisher"
	EventRegisterSubscription EventKind = "register_subscription"
	EventUnregisterPublisher  EventKind = "unregister_publisher"
	EventUnregisterSubscription EventKind = "unregister_subscription"
)

// Trail is a handle to the audit database. The zero value is not usable;
// construct one with Open.
type Trail struct {
	db *sql.DB
}

// Open creates (if needed) and opens the sqlite database at path, applying
// the one table this package needs.
func Open(path string) (*Trail, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS registration_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at TEXT NOT NULL,
	kind TEXT NOT NULL,
	topic TEXT NOT NULL,
	domain TEXT NOT NULL,
	pid INTEGER NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Trail{db: db}, nil
}

// Close closes the underlying database handle.
func (t *Trail) Close() error { return t.db.Close() }

// Record appends one event to the trail.
func (t *Trail) Record(ctx context.Context, kind EventKind, topic, domain string, pid int) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO registration_events (occurred_at, kind, topic, domain, pid) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), string(kind), topic, domain, pid,
	)
	if err != nil {
		return fmt.Errorf("audit: record %s for %s: %w", kind, topic, err)
	}
	return nil
}

// CountByTopic returns how many events have been recorded for topic.
func (t *Trail) CountByTopic(ctx context.Context, topic string) (int, error) {
	var n int
	row := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registration_events WHERE topic = ?`, topic)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count for %s: %w", topic, err)
	}
	return n, nil
}
