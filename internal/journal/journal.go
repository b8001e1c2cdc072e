// Package journal keeps a SQLite history of ingested plans and completed
// pointings. It is an audit trail only; the plan directory stays the source
// of truth for deduplication.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/karpov-sv/fram-grandma/internal/observe"
)

// Ingest is one processed plan.
type Ingest struct {
	ID         int64     `json:"id"`
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	PlanID     int64     `json:"plan_id"`
	Dateobs    string    `json:"dateobs"`
	Name       string    `json:"plan_name"`
	Event      string    `json:"event"`
	Fields     int       `json:"fields"`
	Superseded int       `json:"superseded"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DB wraps the journal database.
type DB struct {
	db *sql.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A single connection keeps :memory: databases shared and writes ordered.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ingests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		kind TEXT NOT NULL,
		plan_id INTEGER,
		dateobs TEXT NOT NULL,
		plan_name TEXT NOT NULL,
		event TEXT,
		fields INTEGER NOT NULL DEFAULT 0,
		superseded INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ingests_dateobs ON ingests(dateobs);
	CREATE INDEX IF NOT EXISTS idx_ingests_created ON ingests(created_at);

	CREATE TABLE IF NOT EXISTS pointings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		event TEXT,
		field_id INTEGER NOT NULL,
		ra REAL NOT NULL,
		dec REAL NOT NULL,
		filter TEXT,
		frames INTEGER NOT NULL,
		failures INTEGER NOT NULL DEFAULT 0,
		observed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pointings_key ON pointings(key);
	`
	_, err := db.Exec(schema)
	return err
}

// RecordIngest stores in. A zero CreatedAt is set to now.
func (d *DB) RecordIngest(ctx context.Context, in Ingest) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO ingests (key, kind, plan_id, dateobs, plan_name, event, fields, superseded, outcome, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.Key, in.Kind, in.PlanID, in.Dateobs, in.Name, in.Event,
		in.Fields, in.Superseded, in.Outcome, in.Reason,
		in.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert ingest: %w", err)
	}
	return nil
}

// RecordPointing stores a completed pointing.
func (d *DB) RecordPointing(ctx context.Context, p observe.Pointing) error {
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO pointings (key, event, field_id, ra, dec, filter, frames, failures, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Key, p.Event, p.FieldID, p.RA, p.Dec, p.Filter, p.Frames, p.Failures,
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert pointing: %w", err)
	}
	return nil
}

// RecentIngests returns the latest ingests, newest first.
func (d *DB) RecentIngests(ctx context.Context, limit int) ([]Ingest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, key, kind, COALESCE(plan_id, 0), dateobs, plan_name, COALESCE(event, ''),
		       fields, superseded, outcome, COALESCE(reason, ''), created_at
		FROM ingests
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ingests: %w", err)
	}
	defer rows.Close()

	var out []Ingest
	for rows.Next() {
		var in Ingest
		var created string
		if err := rows.Scan(&in.ID, &in.Key, &in.Kind, &in.PlanID, &in.Dateobs, &in.Name, &in.Event,
			&in.Fields, &in.Superseded, &in.Outcome, &in.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan ingest: %w", err)
		}
		in.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, in)
	}
	return out, rows.Err()
}

// PointingCount returns the number of pointings recorded for key.
func (d *DB) PointingCount(ctx context.Context, key string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pointings WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pointings: %w", err)
	}
	return n, nil
}
