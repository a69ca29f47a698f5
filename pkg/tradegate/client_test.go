package tradegate

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/util"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.TokenDSN = filepath.Join(dir, "tokens.db")
	cfg.Storage.JournalDir = filepath.Join(dir, "journal")
	cfg.Accounts = []config.Account{
		{Name: "paper", Brokerage: "PAPER", TradingAccountID: "P1", InitialCash: 10000},
		{Name: "bsc", Brokerage: "BSC", Username: "u", TradingAccountID: "ACC1"},
		{Name: "odd", Brokerage: "NOPE"},
	}
	c, err := New(context.Background(), cfg, WithLogger(util.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewClient(t *testing.T) {
	c := newTestClient(t)
	if got := c.AccountNames(); !slices.Equal(got, []string{"bsc", "odd", "paper"}) {
		t.Errorf("AccountNames() = %v", got)
	}
	if got := c.Brokerages(); !slices.Contains(got, "PAPER") || !slices.Contains(got, "BSC") {
		t.Errorf("Brokerages() = %v", got)
	}
}

func TestAccountIsShared(t *testing.T) {
	c := newTestClient(t)
	a1, err := c.Account("paper")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	a2, _ := c.Account("paper")
	if a1 != a2 {
		t.Error("Account returned distinct instances for one name")
	}
	if a1.AccountID() != "P1" {
		t.Errorf("AccountID() = %q, want P1", a1.AccountID())
	}
}

func TestAccountErrors(t *testing.T) {
	c := newTestClient(t)
	if _, err := c.Account("missing"); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("Account(missing) error = %v, want ErrUnknownAccount", err)
	}
	if _, err := c.Account("odd"); !errors.Is(err, ErrUnsupportedBrokerage) {
		t.Errorf("Account(odd) error = %v, want ErrUnsupportedBrokerage", err)
	}
	// BSC without OAuth client settings cannot be built.
	if _, err := c.Account("bsc"); err == nil {
		t.Error("Account(bsc) without client settings: expected error")
	}
}

func TestRefreshUnsupported(t *testing.T) {
	c := newTestClient(t)
	if err := c.RefreshAccessToken(context.Background(), "paper"); !errors.Is(err, ErrUnsupportedBrokerage) {
		t.Errorf("RefreshAccessToken(paper) = %v, want ErrUnsupportedBrokerage", err)
	}
}

func TestPlaceBatchAndSnapshot(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	acct, _ := c.Account("paper")

	results := c.PlaceBatch(ctx, []Placement{
		{Account: acct, Order: domain.NewOrder("", "AAA", domain.TradeTypeBuy, domain.OrderTypeMP, 10, 10)},
		{Account: acct, Order: domain.NewOrder("", "AAA", domain.TradeTypeSell, domain.OrderTypeMP, 99, 10)},
	})
	if results[0].Err != nil || results[0].Order.Status != domain.OrderStatusMatched {
		t.Errorf("result 0 = %+v", results[0])
	}
	if results[1].Err != nil || results[1].Order.Status != domain.OrderStatusRejected {
		t.Errorf("result 1 = %+v", results[1])
	}

	if err := c.Snapshot(ctx, time.Now().AddDate(0, 0, -1), "paper"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := c.Snapshot(ctx, time.Now(), "missing"); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("Snapshot(missing) = %v, want ErrUnknownAccount", err)
	}
}
