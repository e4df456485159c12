package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQL is a Store over a single documents table. It works against both the
// embedded SQLite file and Postgres; only the upsert syntax differs.
type SQL struct {
	db       *sql.DB
	postgres bool
}

// NewSQLite wraps an opened SQLite connection and ensures the schema.
func NewSQLite(db *sql.DB) (*SQL, error) {
	s := &SQL{db: db}
	return s, s.init()
}

// NewPostgres wraps an opened Postgres connection and ensures the schema.
func NewPostgres(db *sql.DB) (*SQL, error) {
	s := &SQL{db: db, postgres: true}
	return s, s.init()
}

func (s *SQL) init() error {
	docType := "TEXT"
	if s.postgres {
		docType = "JSONB"
	}
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS documents (
			key TEXT PRIMARY KEY,
			doc %s NOT NULL
		)
	`, docType))
	if err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

func (s *SQL) placeholder(n int) string {
	if s.postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT doc FROM documents WHERE key = "+s.placeholder(1), key)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

func (s *SQL) Set(ctx context.Context, key string, doc []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO documents (key, doc) VALUES (%s, %s)
		ON CONFLICT (key) DO UPDATE SET doc = excluded.doc
	`, s.placeholder(1), s.placeholder(2))
	_, err := s.db.ExecContext(ctx, query, key, doc)
	return err
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE key = "+s.placeholder(1), key)
	return err
}

func (s *SQL) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := "SELECT key FROM documents WHERE key LIKE " + s.placeholder(1) + " ORDER BY key"
	rows, err := s.db.QueryContext(ctx, query, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
