package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DB wraps sql.DB for either the embedded SQLite file or Postgres.
type DB struct {
	Client *sql.DB
}

// NewSQLite opens (and creates if missing) the local SQLite database file.
// This is the default backend: the whole school fits in one file on disk.
func NewSQLite(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; the modernc driver returns
	// SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)
	return &DB{Client: db}, db.PingContext(context.Background())
}

// NewPostgres creates a Postgres connection with sane defaults.
func NewPostgres(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db}, db.PingContext(context.Background())
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
