package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const tokenSchema = `
CREATE TABLE IF NOT EXISTS broker_tokens (
	login         TEXT    NOT NULL,
	account_id    TEXT    NOT NULL,
	access_token  TEXT    NOT NULL,
	refresh_token TEXT    NOT NULL,
	is_valid      INTEGER NOT NULL,
	updated_at    BIGINT  NOT NULL,
	PRIMARY KEY (login, account_id)
)`

const (
	upsertTokenSQL = `
INSERT INTO broker_tokens (login, account_id, access_token, refresh_token, is_valid, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (login, account_id) DO UPDATE SET
	access_token  = excluded.access_token,
	refresh_token = excluded.refresh_token,
	is_valid      = excluded.is_valid,
	updated_at    = excluded.updated_at`

	updateLoginSQL = `
UPDATE broker_tokens SET
	access_token  = COALESCE(NULLIF(?, ''), access_token),
	refresh_token = COALESCE(NULLIF(?, ''), refresh_token),
	is_valid      = ?,
	updated_at    = ?
WHERE login = ?`

	latestTokenSQL = `
SELECT login, account_id, access_token, refresh_token, is_valid, updated_at
FROM broker_tokens
WHERE login = ? AND is_valid = 1
ORDER BY updated_at DESC
LIMIT 1`
)

// sqlTokenStore implements TokenStore over database/sql. The SQL is written
// with '?' placeholders and rebound per driver.
type sqlTokenStore struct {
	db     *sql.DB
	rebind func(string) string
}

func (s *sqlTokenStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, tokenSchema); err != nil {
		return fmt.Errorf("creating broker_tokens: %w", err)
	}
	return nil
}

// Put implements TokenStore.
func (s *sqlTokenStore) Put(ctx context.Context, rec TokenRecord) error {
	if rec.Login == "" {
		return errors.New("token record without login")
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	valid := boolToInt(rec.Valid)

	if len(rec.AccountIDs) == 0 {
		_, err := s.db.ExecContext(ctx, s.rebind(updateLoginSQL),
			rec.AccessToken, rec.RefreshToken, valid, updatedAt.UnixNano(), rec.Login)
		if err != nil {
			return fmt.Errorf("updating tokens for %s: %w", rec.Login, err)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning token transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(upsertTokenSQL))
	if err != nil {
		return fmt.Errorf("preparing token upsert: %w", err)
	}
	defer stmt.Close()

	for _, id := range rec.AccountIDs {
		if _, err := stmt.ExecContext(ctx, rec.Login, id, rec.AccessToken, rec.RefreshToken, valid, updatedAt.UnixNano()); err != nil {
			return fmt.Errorf("upserting token for %s/%s: %w", rec.Login, id, err)
		}
	}
	return tx.Commit()
}

// Latest implements TokenStore.
func (s *sqlTokenStore) Latest(ctx context.Context, login string) (*TokenRecord, error) {
	var (
		rec       TokenRecord
		accountID string
		valid     int
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(latestTokenSQL), login).
		Scan(&rec.Login, &accountID, &rec.AccessToken, &rec.RefreshToken, &valid, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest token for %s: %w", login, err)
	}
	rec.AccountIDs = []string{accountID}
	rec.Valid = valid == 1
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return &rec, nil
}

// Close closes the underlying database connection.
func (s *sqlTokenStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// questionRebind keeps '?' placeholders.
func questionRebind(q string) string { return q }

// dollarRebind rewrites '?' placeholders to $1..$n.
func dollarRebind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// TokenStoreCloser is a TokenStore owning a database connection.
type TokenStoreCloser interface {
	TokenStore
	Close() error
}

// OpenTokenStore opens the token store for the named driver: "sqlite"
// (default, dsn is a file path) or "postgres" (dsn is a connection string).
func OpenTokenStore(ctx context.Context, driver, dsn string) (TokenStoreCloser, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		return NewSQLiteTokenStore(ctx, dsn)
	case "postgres", "postgresql":
		return NewPostgresTokenStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown token store driver %q", driver)
	}
}
