package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradegate/internal/cache"
	"tradegate/internal/domain"
	"tradegate/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

const (
	alpacaPaperURL   = "https://paper-api.alpaca.markets"
	alpacaOrderLimit = 500
	alpacaLocation   = "America/New_York"
)

// alpacaAPI is the subset of the Alpaca trading client the backend uses.
type alpacaAPI interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	CancelOrder(orderID string) error
}

// AlpacaBroker implements Broker using the Alpaca trading API. API keys do
// not expire, so Login only verifies the keys and the account number.
type AlpacaBroker struct {
	cfg    AccountConfig
	deps   Deps
	log    *slog.Logger
	client alpacaAPI
	scope  string
}

// NewAlpacaBroker creates an Alpaca backend. BaseURL defaults to the paper
// trading endpoint.
func NewAlpacaBroker(cfg AccountConfig, deps Deps) (*AlpacaBroker, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("alpaca: api key and secret are required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = alpacaPaperURL
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   baseURL,
	})
	return newAlpacaBroker(cfg, deps, client), nil
}

func newAlpacaBroker(cfg AccountConfig, deps Deps, client alpacaAPI) *AlpacaBroker {
	if deps.Calendar == nil {
		deps.Calendar = util.NewTradingCalendar(alpacaLocation, nil)
	}
	deps = deps.withDefaults()
	return &AlpacaBroker{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With("broker", "ALPACA", "account", cfg.TradingAccountID),
		client: client,
		scope:  cacheScope("ALPACA", cfg.TradingAccountID),
	}
}

// Name returns "ALPACA".
func (b *AlpacaBroker) Name() string { return "ALPACA" }

// AccountID returns the configured account number.
func (b *AlpacaBroker) AccountID() string { return b.cfg.TradingAccountID }

// Login verifies the API keys and, when configured, that they belong to the
// trading account.
func (b *AlpacaBroker) Login(ctx context.Context, _ bool) error {
	if err := b.deps.RateLimiter.Wait(ctx); err != nil {
		return err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("alpaca login: %s: %w", apiErr.Message, domain.ErrInvalidCredentials)
		}
		return fmt.Errorf("alpaca login: %w", errors.Join(domain.ErrRequestFailed, err))
	}
	if b.cfg.TradingAccountID != "" && acct.AccountNumber != b.cfg.TradingAccountID {
		return fmt.Errorf("alpaca keys belong to %s, not %s: %w", acct.AccountNumber, b.cfg.TradingAccountID, domain.ErrInvalidAccountIdentity)
	}
	b.log.Info("logged in", "account_number", acct.AccountNumber)
	return nil
}

// PlaceOrder submits a day order. Client errors from the API are business
// rejections.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	placed := newPlacement(order, b.cfg.TradingAccountID)
	if err := b.deps.RateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	qty := decimal.NewFromFloat(placed.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:      placed.Symbol,
		Qty:         &qty,
		Side:        alpaca.Buy,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	}
	if placed.TradeType == domain.TradeTypeSell {
		req.Side = alpaca.Sell
	}
	switch placed.OrderType {
	case domain.OrderTypeLO, "":
		price := decimal.NewFromFloat(placed.Price)
		req.Type = alpaca.Limit
		req.LimitPrice = &price
	case domain.OrderTypeATO:
		req.TimeInForce = alpaca.OPG
	case domain.OrderTypeATC:
		req.TimeInForce = alpaca.CLS
	}

	b.log.Info("placing order", "symbol", placed.Symbol, "side", placed.TradeType, "type", placed.OrderType, "qty", placed.Quantity, "price", placed.Price)
	res, err := b.client.PlaceOrder(req)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusUnauthorized {
			return reject(b.log, placed, apiErr.Message), nil
		}
		return nil, fmt.Errorf("alpaca place order: %w", errors.Join(domain.ErrRequestFailed, err))
	}
	placed.ID = res.ID
	b.deps.Cache.InvalidateAccount(b.scope)
	return placed, nil
}

// CancelOrder cancels an open order by ID.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, order *domain.Order) (bool, error) {
	if order.ID == "" {
		return false, fmt.Errorf("alpaca cancel order: order has no id")
	}
	if err := b.deps.RateLimiter.Wait(ctx); err != nil {
		return false, err
	}
	if err := b.client.CancelOrder(order.ID); err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			b.log.Error("cancel failed", "id", order.ID, "reason", apiErr.Message)
			return false, nil
		}
		return false, fmt.Errorf("alpaca cancel order: %w", errors.Join(domain.ErrRequestFailed, err))
	}
	b.deps.Cache.InvalidateAccount(b.scope)
	return true, nil
}

// alpacaStatus maps Alpaca order statuses.
func alpacaStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusMatched
	case "canceled", "expired", "done_for_day", "replaced":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusPlacing
	}
}

// GetCurrentOrders returns orders submitted on or after start's calendar
// date in the account calendar.
func (b *AlpacaBroker) GetCurrentOrders(ctx context.Context, start time.Time) ([]domain.Order, error) {
	day := b.deps.Calendar.CalendarDay(start)
	return cache.Memoize(b.deps.Cache, cache.Key(b.scope, "orders", day), cloneOrders, func() ([]domain.Order, error) {
		return b.fetchOrders(ctx, day)
	})
}

func (b *AlpacaBroker) fetchOrders(ctx context.Context, start time.Time) ([]domain.Order, error) {
	if err := b.deps.RateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	records, err := b.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "all",
		After:  start.Add(-time.Nanosecond),
		Limit:  alpacaOrderLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca orders: %w", errors.Join(domain.ErrRequestFailed, err))
	}

	var portfolio *domain.Portfolio
	orders := make([]domain.Order, 0, len(records))
	for _, r := range records {
		if !b.deps.Calendar.OnOrAfter(r.CreatedAt, start) {
			continue
		}
		o := domain.Order{
			ID:               r.ID,
			Symbol:           r.Symbol,
			TradingAccountID: b.cfg.TradingAccountID,
			TradeType:        domain.TradeType(strings.ToLower(string(r.Side))),
			OrderType:        domain.OrderTypeMP,
			ExecutionKind:    domain.ExecutionMarket,
			CreatedAt:        r.CreatedAt,
			Status:           alpacaStatus(r.Status),
			MatchedQuantity:  r.FilledQty.InexactFloat64(),
		}
		if r.Qty != nil {
			o.Quantity = r.Qty.InexactFloat64()
		}
		if r.LimitPrice != nil {
			o.Price = r.LimitPrice.InexactFloat64()
			o.OrderType = domain.OrderTypeLO
			o.ExecutionKind = domain.ExecutionLimit
		}
		if r.FilledAvgPrice != nil {
			o.AvgMatchedPrice = r.FilledAvgPrice.InexactFloat64()
		}
		matchedAt := r.UpdatedAt
		if r.FilledAt != nil {
			matchedAt = *r.FilledAt
		}
		normalizeMatch(&o, matchedAt)

		if o.Status == domain.OrderStatusMatched {
			if portfolio == nil {
				p, err := b.GetCurrentPortfolio(ctx)
				if err != nil {
					return nil, err
				}
				portfolio = p
			}
			o.PortfolioProportion = portfolio.Proportion(o.MatchedQuantity * o.AvgMatchedPrice)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// GetCurrentPortfolio returns the account snapshot, cached per account.
func (b *AlpacaBroker) GetCurrentPortfolio(ctx context.Context) (*domain.Portfolio, error) {
	return cache.Memoize(b.deps.Cache, cache.Key(b.scope, "portfolio"), (*domain.Portfolio).Clone, func() (*domain.Portfolio, error) {
		return b.fetchPortfolio(ctx)
	})
}

func (b *AlpacaBroker) fetchPortfolio(ctx context.Context) (*domain.Portfolio, error) {
	if err := b.deps.RateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("alpaca account: %w", errors.Join(domain.ErrRequestFailed, err))
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("alpaca positions: %w", errors.Join(domain.ErrRequestFailed, err))
	}

	allocations := make([]domain.StockAllocation, 0, len(positions))
	for _, p := range positions {
		qty := p.Qty.InexactFloat64()
		avg := p.AvgEntryPrice.InexactFloat64()
		current := qty * avg
		if p.MarketValue != nil {
			current = p.MarketValue.InexactFloat64()
		}
		allocations = append(allocations, domain.NewStockAllocation(p.Symbol, qty, p.QtyAvailable.InexactFloat64(), avg, current))
	}

	// Margin debt shows up as negative cash.
	cash := acct.Cash.InexactFloat64()
	var loan float64
	if cash < 0 {
		loan = -cash
	}
	return domain.NewPortfolio(cash, loan, acct.BuyingPower.InexactFloat64(), allocations), nil
}
