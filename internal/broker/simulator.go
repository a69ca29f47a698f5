package broker

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements Broker for paper trading. It keeps cash,
// positions and orders in memory without making external calls. Market
// orders fill immediately at the order price; limit orders rest until Match
// crosses them.
type SimulatorBroker struct {
	accountID string
	log       *slog.Logger
	deps      Deps

	mu        sync.Mutex
	cash      decimal.Decimal
	reserved  decimal.Decimal // cash held by resting buys
	positions map[string]*simPosition
	orders    []*domain.Order
	byID      map[string]*domain.Order
}

type simPosition struct {
	qty       decimal.Decimal
	available decimal.Decimal
	avgPrice  decimal.Decimal
	lastPrice decimal.Decimal
}

// NewSimulatorBroker creates a paper account holding cfg.InitialCash.
func NewSimulatorBroker(cfg AccountConfig, deps Deps) *SimulatorBroker {
	deps = deps.withDefaults()
	accountID := cfg.TradingAccountID
	if accountID == "" {
		accountID = "PAPER"
	}
	return &SimulatorBroker{
		accountID: accountID,
		log:       deps.Logger.With("broker", "PAPER", "account", accountID),
		deps:      deps,
		cash:      decimal.NewFromFloat(cfg.InitialCash),
		positions: make(map[string]*simPosition),
		byID:      make(map[string]*domain.Order),
	}
}

// Name returns "PAPER".
func (b *SimulatorBroker) Name() string { return "PAPER" }

// AccountID returns the paper account identifier.
func (b *SimulatorBroker) AccountID() string { return b.accountID }

// Login always succeeds.
func (b *SimulatorBroker) Login(_ context.Context, _ bool) error { return nil }

// PlaceOrder checks buying power or sellable quantity, then fills market
// orders or rests limit orders.
func (b *SimulatorBroker) PlaceOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	placed := newPlacement(order, b.accountID)
	if placed.OrderType == "" {
		placed.OrderType = domain.OrderTypeLO
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if placed.Symbol == "" || placed.Quantity <= 0 || placed.Price <= 0 {
		return reject(b.log, placed, "symbol, positive quantity and price required"), nil
	}
	qty := decimal.NewFromFloat(placed.Quantity)
	price := decimal.NewFromFloat(placed.Price)
	resting := placed.OrderType == domain.OrderTypeLO

	switch placed.TradeType {
	case domain.TradeTypeBuy:
		cost := qty.Mul(price)
		if cost.GreaterThan(b.cash.Sub(b.reserved)) {
			return reject(b.log, placed, "insufficient buying power"), nil
		}
		if resting {
			b.reserved = b.reserved.Add(cost)
		}
	case domain.TradeTypeSell:
		pos := b.positions[placed.Symbol]
		if pos == nil || pos.available.LessThan(qty) {
			return reject(b.log, placed, "insufficient sellable quantity"), nil
		}
		pos.available = pos.available.Sub(qty)
	default:
		return reject(b.log, placed, "unknown trade type"), nil
	}

	placed.ID = uuid.NewString()
	placed.ExecutionKind = executionKind(placed.OrderType)
	stored := *placed
	b.orders = append(b.orders, &stored)
	b.byID[stored.ID] = &stored

	if !resting {
		b.fill(&stored, price)
	}
	b.log.Info("order accepted", "id", stored.ID, "status", stored.Status)
	out := stored
	return &out, nil
}

// fill executes o at price. Callers hold mu and have already reserved cash
// or locked quantity for resting orders.
func (b *SimulatorBroker) fill(o *domain.Order, price decimal.Decimal) {
	qty := decimal.NewFromFloat(o.Quantity)
	notional := qty.Mul(price)
	pos := b.positions[o.Symbol]

	if o.TradeType == domain.TradeTypeBuy {
		if o.ExecutionKind == domain.ExecutionLimit {
			b.reserved = b.reserved.Sub(qty.Mul(decimal.NewFromFloat(o.Price)))
		}
		b.cash = b.cash.Sub(notional)
		if pos == nil {
			pos = &simPosition{}
			b.positions[o.Symbol] = pos
		}
		total := pos.qty.Add(qty)
		pos.avgPrice = pos.qty.Mul(pos.avgPrice).Add(notional).Div(total)
		pos.qty = total
		pos.available = pos.available.Add(qty)
	} else if pos != nil {
		b.cash = b.cash.Add(notional)
		pos.qty = pos.qty.Sub(qty)
		if pos.qty.LessThanOrEqual(decimal.Zero) {
			delete(b.positions, o.Symbol)
		}
	}
	if pos != nil {
		pos.lastPrice = price
	}
	_ = o.MarkMatched(o.Quantity, price.InexactFloat64(), time.Now())
}

// Match fills every resting limit order on symbol that crosses price, at
// its limit price. It returns the number of orders filled.
func (b *SimulatorBroker) Match(symbol string, price float64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	px := decimal.NewFromFloat(price)
	if pos := b.positions[symbol]; pos != nil {
		pos.lastPrice = px
	}
	n := 0
	for _, o := range b.orders {
		if o.Symbol != symbol || o.Status != domain.OrderStatusPlacing {
			continue
		}
		crosses := (o.TradeType == domain.TradeTypeBuy && o.Price >= price) ||
			(o.TradeType == domain.TradeTypeSell && o.Price <= price)
		if crosses {
			b.fill(o, decimal.NewFromFloat(o.Price))
			n++
		}
	}
	return n
}

// CancelOrder cancels a resting order and releases what it held.
func (b *SimulatorBroker) CancelOrder(_ context.Context, order *domain.Order) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[order.ID]
	if !ok || o.MarkCancelled() != nil {
		return false, nil
	}
	qty := decimal.NewFromFloat(o.Quantity)
	if o.TradeType == domain.TradeTypeBuy {
		b.reserved = b.reserved.Sub(qty.Mul(decimal.NewFromFloat(o.Price)))
	} else if pos := b.positions[o.Symbol]; pos != nil {
		pos.available = pos.available.Add(qty)
	}
	return true, nil
}

// GetCurrentOrders returns orders created on or after start's calendar date.
func (b *SimulatorBroker) GetCurrentOrders(ctx context.Context, start time.Time) ([]domain.Order, error) {
	portfolio, err := b.GetCurrentPortfolio(ctx)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	orders := make([]domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		if !b.deps.Calendar.OnOrAfter(o.CreatedAt, start) {
			continue
		}
		c := *o
		if c.Status == domain.OrderStatusMatched {
			c.PortfolioProportion = portfolio.Proportion(c.MatchedQuantity * c.AvgMatchedPrice)
		}
		orders = append(orders, c)
	}
	return cloneOrders(orders), nil
}

// GetCurrentPortfolio values positions at their last traded price.
func (b *SimulatorBroker) GetCurrentPortfolio(_ context.Context) (*domain.Portfolio, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	allocations := make([]domain.StockAllocation, 0, len(b.positions))
	for symbol, pos := range b.positions {
		allocations = append(allocations, domain.NewStockAllocation(
			symbol,
			pos.qty.InexactFloat64(),
			pos.available.InexactFloat64(),
			pos.avgPrice.InexactFloat64(),
			pos.qty.Mul(pos.lastPrice).InexactFloat64(),
		))
	}
	sortAllocations(allocations)
	return domain.NewPortfolio(
		b.cash.InexactFloat64(),
		0,
		b.cash.Sub(b.reserved).InexactFloat64(),
		allocations,
	), nil
}

func sortAllocations(a []domain.StockAllocation) {
	slices.SortFunc(a, func(x, y domain.StockAllocation) int {
		return strings.Compare(x.Symbol, y.Symbol)
	})
}
