// Package engine places order batches across brokerage accounts and records
// the outcome in a journal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
	"tradegate/internal/store"
)

// Placement is one order destined for one account.
type Placement struct {
	Account broker.Broker
	Order   *domain.Order
}

// Result is the outcome of a Placement. Business rejections come back as an
// Order with status rejected and a nil Err; Err is set only when the account
// could not be reached or the request failed.
type Result struct {
	Brokerage string
	AccountID string
	Order     *domain.Order
	Err       error
}

// Engine fans a batch out over accounts. Orders for the same account are
// placed sequentially in input order; distinct accounts run concurrently.
type Engine struct {
	journal store.Journal
	risk    *RiskManager
	log     *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithJournal records placed orders and snapshots in j.
func WithJournal(j store.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithRiskManager runs rm against every order before it reaches the broker.
func WithRiskManager(rm *RiskManager) Option {
	return func(e *Engine) { e.risk = rm }
}

// NewEngine creates an Engine.
func NewEngine(log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{log: log, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func accountKey(b broker.Broker) string {
	return b.Name() + ":" + b.AccountID()
}

// PlaceBatch places every order and returns one Result per Placement, in
// input order. A failure on one order never stops the rest of the batch.
func (e *Engine) PlaceBatch(ctx context.Context, batch []Placement) []Result {
	results := make([]Result, len(batch))

	// Group input indexes by account instance, preserving order. Two
	// instances never share a group even when their names and ids collide.
	var keys []broker.Broker
	groups := make(map[broker.Broker][]int)
	for i, p := range batch {
		if p.Account == nil {
			results[i] = Result{Order: p.Order, Err: errors.New("placement has no account")}
			continue
		}
		if _, ok := groups[p.Account]; !ok {
			keys = append(keys, p.Account)
		}
		groups[p.Account] = append(groups[p.Account], i)
	}

	var wg sync.WaitGroup
	for _, k := range keys {
		idx := groups[k]
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.placeAccount(ctx, batch, idx, results)
		}()
	}
	wg.Wait()
	return results
}

// placeAccount places the orders at idx, all belonging to one account.
func (e *Engine) placeAccount(ctx context.Context, batch []Placement, idx []int, results []Result) {
	acct := batch[idx[0]].Account
	log := e.log.With("broker", acct.Name(), "account", acct.AccountID())

	var portfolio *domain.Portfolio
	var placed []domain.Order
	for _, i := range idx {
		res := Result{Brokerage: acct.Name(), AccountID: acct.AccountID()}
		order := batch[i].Order

		if err := ctx.Err(); err != nil {
			res.Order, res.Err = order, err
			results[i] = res
			continue
		}

		if e.risk != nil {
			if portfolio == nil {
				p, err := acct.GetCurrentPortfolio(ctx)
				if err != nil {
					res.Order, res.Err = order, fmt.Errorf("loading portfolio for risk check: %w", err)
					results[i] = res
					continue
				}
				portfolio = p
			}
			if reason := e.risk.CheckOrder(order, portfolio); reason != "" {
				rejected := *order
				if rejected.TradingAccountID == "" {
					rejected.TradingAccountID = acct.AccountID()
				}
				if rejected.CreatedAt.IsZero() {
					rejected.CreatedAt = e.now()
				}
				rejected.Status = domain.OrderStatusPlacing
				_ = rejected.MarkRejected(reason)
				log.Warn("order blocked by risk check", "symbol", order.Symbol, "reason", reason)
				res.Order = &rejected
				results[i] = res
				continue
			}
		}

		out, err := acct.PlaceOrder(ctx, order)
		if err != nil {
			log.Error("place order failed", "symbol", order.Symbol, "error", err)
			res.Order, res.Err = order, err
			results[i] = res
			continue
		}
		res.Order = out
		results[i] = res
		if out.ID != "" {
			placed = append(placed, *out)
			portfolio = nil // stale after a fill or reservation
		}
	}

	if e.journal != nil && len(placed) > 0 {
		if err := e.journal.RecordOrders(ctx, acct.AccountID(), placed); err != nil {
			log.Warn("journaling orders", "error", err)
		}
	}
}

// Snapshot fetches each account's portfolio and current orders since start
// and records them in the journal. It returns the joined errors of the
// accounts that failed.
func (e *Engine) Snapshot(ctx context.Context, accounts []broker.Broker, start time.Time) error {
	errs := make([]error, len(accounts))
	var wg sync.WaitGroup
	for i, acct := range accounts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.snapshot(ctx, acct, start); err != nil {
				errs[i] = fmt.Errorf("%s: %w", accountKey(acct), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (e *Engine) snapshot(ctx context.Context, acct broker.Broker, start time.Time) error {
	p, err := acct.GetCurrentPortfolio(ctx)
	if err != nil {
		return err
	}
	orders, err := acct.GetCurrentOrders(ctx, start)
	if err != nil {
		return err
	}
	e.log.Info("snapshot",
		"broker", acct.Name(),
		"account", acct.AccountID(),
		"total_assets", p.TotalAssets(),
		"orders", len(orders),
	)
	if e.journal == nil {
		return nil
	}
	if err := e.journal.RecordPortfolio(ctx, acct.AccountID(), e.now(), p); err != nil {
		return err
	}
	return e.journal.RecordOrders(ctx, acct.AccountID(), orders)
}
