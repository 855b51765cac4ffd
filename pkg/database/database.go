// Package database provides the SQLite persistence handle shared by
// the change log and version controller: document_versions,
// change_tracking, and user_contributions (spec §6's "Persisted
// state").
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Database wraps a migrated SQLite connection.
type Database struct {
	db *sql.DB
}

// New creates a new database connection and runs migrations.
func New(uri string) (*Database, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers at the file level, and a ":memory:" DSN
	// gives each connection its own independent database; a single
	// pooled connection keeps both the locking and the schema sane.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// DB returns the underlying *sql.DB for use by changelog.Store and
// version.Controller, which own their own queries against the shared
// schema.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DocumentCount returns the total number of distinct documents that
// have at least one version, used by the stats surface.
func (d *Database) DocumentCount() (int, error) {
	var count int
	err := d.db.QueryRow(`SELECT COUNT(DISTINCT document_id) FROM document_versions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("document count: %w", err)
	}
	return count, nil
}
