// Package store implements the persistence layer of the record engine: the
// append-oriented chain store, the append-only event log, the contingency
// queue, the recovery pointer table and the configuration row.
//
// All stores share one database/sql handle. SQLite (modernc.org/sqlite) is
// the default backend; Postgres (lib/pq) works through the same statements
// since the placeholders and upserts are written for both dialects.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	// DriverSQLite selects the embedded backend.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the server backend.
	DriverPostgres = "postgres"
)

// DB bundles the per-table stores over a single connection pool.
type DB struct {
	SQL      *sql.DB
	Chain    *ChainStore
	Events   *EventStore
	Queue    *QueueStore
	Pointers *PointerStore
	Config   *ConfigStore
}

// Open connects to the backing database and runs all migrations.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single writer connection keeps SQLite transactions serialized
		// and makes :memory: databases share one schema.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	return Wrap(ctx, db)
}

// Wrap builds the store set over an existing handle (tests pass :memory:
// SQLite or a sqlmock connection).
func Wrap(ctx context.Context, db *sql.DB) (*DB, error) {
	d := &DB{SQL: db}
	var err error
	if d.Chain, err = NewChainStore(ctx, db); err != nil {
		return nil, err
	}
	if d.Events, err = NewEventStore(ctx, db); err != nil {
		return nil, err
	}
	if d.Queue, err = NewQueueStore(ctx, db); err != nil {
		return nil, err
	}
	if d.Pointers, err = NewPointerStore(ctx, db); err != nil {
		return nil, err
	}
	if d.Config, err = NewConfigStore(ctx, db); err != nil {
		return nil, err
	}
	return d, nil
}

// Close releases the underlying pool.
func (d *DB) Close() error { return d.SQL.Close() }

const (
	timeFormat = time.RFC3339Nano
	dateFormat = "2006-01-02"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// formatLocalTime keeps the instant's own offset. The generation timestamp
// is hashed with its offset, so normalizing it to UTC would change the
// fingerprint recomputed from stored fields.
func formatLocalTime(t time.Time) string {
	return t.Format(timeFormat)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeFormat, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func formatDate(t time.Time) string {
	return t.Format(dateFormat)
}

func parseDate(value string) time.Time {
	t, err := time.Parse(dateFormat, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
