// Package sqldb implements the relay stores on database/sql. One
// implementation serves both backends: SQLite (standalone, default) and
// Postgres (managed). Queries are written with $N placeholders and rebound
// to ?N for SQLite.
package sqldb

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// DB wraps a sql.DB with the dialect needed for placeholder rebinding.
type DB struct {
	*sql.DB
	driver Driver
}

// Open connects to the configured backend. For SQLite, dsn is the database
// file path; for Postgres, a DSN.
func Open(driver Driver, dsn string) (*DB, error) {
	var db *sql.DB
	var err error
	switch driver {
	case DriverSQLite:
		// busy_timeout avoids SQLITE_BUSY under concurrent engine goroutines.
		db, err = sql.Open("sqlite", dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
		if err == nil {
			// modernc sqlite serializes writes; one writer connection keeps
			// transactions from interleaving.
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetConnMaxIdleTime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &DB{DB: db, driver: driver}, nil
}

// rebind converts $N placeholders to SQLite's numbered ?N form. The index is
// kept so queries may reuse a parameter ($1 twice stays one argument).
// Postgres queries pass through unchanged.
func (d *DB) rebind(query string) string {
	if d.driver == DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			b.WriteByte(query[i])
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 { // lone $, not a placeholder
			b.WriteByte('$')
			continue
		}
		b.WriteByte('?')
		b.WriteString(query[i+1 : j])
		i = j - 1
	}
	return b.String()
}

// upsertSuffix returns the conflict clause for the dialect. Both backends
// accept the same ON CONFLICT syntax, so this stays a single string; kept as
// a method in case the dialects ever diverge.
func (d *DB) upsertSuffix(conflictCols string, setCols ...string) string {
	sets := make([]string, len(setCols))
	for i, c := range setCols {
		sets[i] = c + " = excluded." + c
	}
	return " ON CONFLICT (" + conflictCols + ") DO UPDATE SET " + strings.Join(sets, ", ")
}
