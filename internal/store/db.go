// Package store is the durable substrate: tasks, comments, chat,
// presence, mention-acks, insights, triage audit, and policy actions,
// all backed by an embedded SQLite database, in the manner of the
// teacher's embedded-schema memory package.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// migrations holds incremental DDL applied in order after the base
// schema, tracked by the _migrations table. The base schema is
// idempotent (CREATE TABLE IF NOT EXISTS) so it is safe to re-run it on
// every open; migrations are for changes the base schema can't express
// that way (column additions, backfills).
var migrations = []string{}

// DB wraps the shared *sql.DB handle plus every component store.
type DB struct {
	conn *sql.DB

	Tasks     *TaskStore
	Chat      *ChatStore
	Presence  *PresenceStore
	Mentions  *MentionAckStore
	Insights  *InsightStore
	Triage    *TriageStore
	Policy    *PolicyActionStore
}

// Open creates (if needed) and migrates the database at path, then wires
// every component store onto the shared connection. path may be
// ":memory:" for tests.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create data dir: %w", err)
			}
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// A single shared in-memory connection avoids modernc.org/sqlite
		// recreating an empty database per connection from the pool.
		conn.SetMaxOpenConns(1)
	}

	d := &DB{conn: conn}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	d.Tasks = &TaskStore{db: conn}
	d.Mentions = &MentionAckStore{db: conn}
	d.Chat = &ChatStore{db: conn, Mentions: d.Mentions}
	d.Presence = &PresenceStore{db: conn}
	d.Insights = &InsightStore{db: conn}
	d.Triage = &TriageStore{db: conn}
	d.Policy = &PolicyActionStore{db: conn}

	return d, nil
}

func (d *DB) migrate() error {
	if _, err := d.conn.Exec(schemaSQL); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}

	if _, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS _migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: create _migrations: %w", err)
	}

	var version int
	row := d.conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM _migrations`)
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		if _, err := d.conn.Exec(migrations[i]); err != nil {
			return fmt.Errorf("store: apply migration %d: %w", i+1, err)
		}
		if _, err := d.conn.Exec(`INSERT INTO _migrations (version, applied_at) VALUES (?, strftime('%s','now')*1000)`, i+1); err != nil {
			return fmt.Errorf("store: record migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
