package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ TokenStore = (*SQLiteTokenStore)(nil)

// SQLiteTokenStore implements TokenStore backed by a SQLite database.
type SQLiteTokenStore struct {
	sqlTokenStore
}

// NewSQLiteTokenStore opens (or creates) a SQLite database at dbPath, creates
// the token table and returns a ready-to-use store.
func NewSQLiteTokenStore(ctx context.Context, dbPath string) (*SQLiteTokenStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the pragma then applies to the only connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}

	s := &SQLiteTokenStore{sqlTokenStore{db: db, rebind: questionRebind}}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
