// Package store defines persistence interfaces for brokerage session tokens
// and order/portfolio journals, with SQL and Parquet implementations.
package store

import (
	"context"
	"errors"
	"time"

	"tradegate/internal/domain"
)

// ErrTokenNotFound is returned by TokenStore.Latest when no valid token is
// stored for the login.
var ErrTokenNotFound = errors.New("token not found")

// TokenRecord is one persisted brokerage session. AccountIDs lists every
// trading account reachable with the login; an empty list addresses all
// accounts already stored for the login.
type TokenRecord struct {
	Login        string
	AccountIDs   []string
	AccessToken  string
	RefreshToken string
	Valid        bool
	UpdatedAt    time.Time
}

// TokenStore persists brokerage tokens so that processes sharing one broker
// login also share refreshed tokens.
type TokenStore interface {
	// Put upserts the record for each of its account IDs. With no account
	// IDs it updates validity (and any non-empty token) on every row of the
	// login, keeping existing tokens for audit.
	Put(ctx context.Context, rec TokenRecord) error

	// Latest returns the most recently updated valid token for the login.
	Latest(ctx context.Context, login string) (*TokenRecord, error)
}

// Journal records normalized orders and portfolio snapshots.
type Journal interface {
	// RecordOrders merges orders into the account's journal by order ID.
	RecordOrders(ctx context.Context, accountID string, orders []domain.Order) error

	// RecordPortfolio appends a portfolio snapshot taken at the given time.
	RecordPortfolio(ctx context.Context, accountID string, at time.Time, p *domain.Portfolio) error
}
