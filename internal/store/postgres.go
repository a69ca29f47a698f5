package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Compile-time interface check.
var _ TokenStore = (*PostgresTokenStore)(nil)

// PostgresTokenStore implements TokenStore backed by PostgreSQL, for
// deployments where several hosts share one broker login.
type PostgresTokenStore struct {
	sqlTokenStore
}

// NewPostgresTokenStore connects to dsn, verifies the connection and creates
// the token table if needed.
func NewPostgresTokenStore(ctx context.Context, dsn string) (*PostgresTokenStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresTokenStore{sqlTokenStore{db: db, rebind: dollarRebind}}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
