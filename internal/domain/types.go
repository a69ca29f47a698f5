// Package domain defines the canonical, brokerage-independent types that
// every backend normalizes into: orders, stock allocations and portfolios.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// TradeType is the direction of an order.
type TradeType string

const (
	TradeTypeBuy  TradeType = "buy"
	TradeTypeSell TradeType = "sell"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeLO  OrderType = "LO"  // limit order
	OrderTypeMP  OrderType = "MP"  // market price
	OrderTypeATO OrderType = "ATO" // at the opening
	OrderTypeATC OrderType = "ATC" // at the close
)

// ExecutionKind distinguishes market from limit execution.
type ExecutionKind string

const (
	ExecutionMarket ExecutionKind = "market"
	ExecutionLimit  ExecutionKind = "limit"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPlacing   OrderStatus = "placing"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusMatched || s == OrderStatusCancelled || s == OrderStatusRejected
}

// ---------------------------------------------------------------------------
// Order
// ---------------------------------------------------------------------------

// Order is one trading instruction or its resulting state.
type Order struct {
	ID                  string        `json:"id,omitempty"`
	Symbol              string        `json:"symbol"`
	Quantity            float64       `json:"quantity"`
	TradingAccountID    string        `json:"trading_account_id"`
	PortfolioProportion float64       `json:"portfolio_proportion"`
	TradeType           TradeType     `json:"trade_type"`
	OrderType           OrderType     `json:"order_type"`
	Price               float64       `json:"price"`
	AvgMatchedPrice     float64       `json:"avg_matched_price"`
	MatchedQuantity     float64       `json:"matched_quantity"`
	CreatedAt           time.Time     `json:"created_at"`
	MatchedAt           *time.Time    `json:"matched_at,omitempty"`
	ExecutionKind       ExecutionKind `json:"execution_kind"`
	Status              OrderStatus   `json:"status"`
	RejectReason        string        `json:"reject_reason,omitempty"`
	CopyFromOrderID     string        `json:"copy_from_order_id,omitempty"`
}

// NewOrder builds a new placing limit order for the given account.
func NewOrder(accountID, symbol string, side TradeType, orderType OrderType, quantity, price float64) *Order {
	kind := ExecutionLimit
	if orderType != OrderTypeLO {
		kind = ExecutionMarket
	}
	return &Order{
		Symbol:           symbol,
		Quantity:         quantity,
		TradingAccountID: accountID,
		TradeType:        side,
		OrderType:        orderType,
		Price:            price,
		CreatedAt:        time.Now(),
		ExecutionKind:    kind,
		Status:           OrderStatusPlacing,
	}
}

// MarkMatched moves a placing order to matched.
func (o *Order) MarkMatched(quantity, avgPrice float64, at time.Time) error {
	if o.Status != OrderStatusPlacing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusMatched)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: matched quantity must be > 0", ErrInvalidTransition)
	}
	o.Status = OrderStatusMatched
	o.MatchedQuantity = quantity
	o.AvgMatchedPrice = avgPrice
	o.MatchedAt = &at
	return nil
}

// MarkCancelled moves a placing order to cancelled.
func (o *Order) MarkCancelled() error {
	if o.Status != OrderStatusPlacing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusCancelled)
	}
	o.Status = OrderStatusCancelled
	return nil
}

// MarkRejected moves a placing order to rejected and records why.
func (o *Order) MarkRejected(reason string) error {
	if o.Status != OrderStatusPlacing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusRejected)
	}
	o.Status = OrderStatusRejected
	o.RejectReason = reason
	return nil
}

// Validate checks the status/matching invariants: MatchedAt is set iff the
// order is matched, and a positive matched quantity implies matched.
func (o Order) Validate() error {
	matched := o.Status == OrderStatusMatched
	if matched != (o.MatchedAt != nil) {
		return fmt.Errorf("order %s: matched_at set=%v with status %s", o.ID, o.MatchedAt != nil, o.Status)
	}
	if matched != (o.MatchedQuantity > 0) {
		return fmt.Errorf("order %s: matched_quantity=%v with status %s", o.ID, o.MatchedQuantity, o.Status)
	}
	switch o.TradeType {
	case TradeTypeBuy, TradeTypeSell:
	default:
		return fmt.Errorf("order %s: unknown trade type %q", o.ID, o.TradeType)
	}
	return nil
}

// ---------------------------------------------------------------------------
// StockAllocation
// ---------------------------------------------------------------------------

// StockAllocation is a held position.
type StockAllocation struct {
	Symbol            string  `json:"symbol"`
	Quantity          float64 `json:"quantity"`
	AvailableQuantity float64 `json:"available_quantity"` // not locked by pending sells or settlement
	AvgBuyPrice       float64 `json:"avg_buy_price"`
	CurrentValue      float64 `json:"current_value"`
}

// NewStockAllocation builds an allocation, clamping the available quantity
// into [0, quantity].
func NewStockAllocation(symbol string, quantity, available, avgBuyPrice, currentValue float64) StockAllocation {
	if available > quantity {
		available = quantity
	}
	if available < 0 {
		available = 0
	}
	return StockAllocation{
		Symbol:            symbol,
		Quantity:          quantity,
		AvailableQuantity: available,
		AvgBuyPrice:       avgBuyPrice,
		CurrentValue:      currentValue,
	}
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

// Portfolio is an account snapshot. TotalStockValue and TotalAssets are
// derived on every call and have no backing field.
type Portfolio struct {
	TotalCash        float64
	TotalLoan        float64
	AvailableCash    float64
	StockAllocations []StockAllocation
}

// NewPortfolio builds a portfolio snapshot.
func NewPortfolio(totalCash, totalLoan, availableCash float64, allocations []StockAllocation) *Portfolio {
	if allocations == nil {
		allocations = []StockAllocation{}
	}
	return &Portfolio{
		TotalCash:        totalCash,
		TotalLoan:        totalLoan,
		AvailableCash:    availableCash,
		StockAllocations: allocations,
	}
}

// TotalStockValue is the sum of allocation current values.
func (p *Portfolio) TotalStockValue() float64 {
	var total float64
	for _, a := range p.StockAllocations {
		total += a.CurrentValue
	}
	return total
}

// TotalAssets is cash plus stock value.
func (p *Portfolio) TotalAssets() float64 {
	return p.TotalCash + p.TotalStockValue()
}

// SetStockAllocations replaces the allocations.
func (p *Portfolio) SetStockAllocations(allocations []StockAllocation) {
	p.StockAllocations = allocations
}

// SetTotalCash replaces the cash balance.
func (p *Portfolio) SetTotalCash(cash float64) {
	p.TotalCash = cash
}

// Allocation returns the allocation for symbol, if held.
func (p *Portfolio) Allocation(symbol string) (StockAllocation, bool) {
	for _, a := range p.StockAllocations {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return StockAllocation{}, false
}

// Proportion returns the fraction of total assets that value represents,
// or 0 when the portfolio holds no assets.
func (p *Portfolio) Proportion(value float64) float64 {
	assets := p.TotalAssets()
	if assets == 0 {
		return 0
	}
	return value / assets
}

// Clone returns a deep copy.
func (p *Portfolio) Clone() *Portfolio {
	if p == nil {
		return nil
	}
	c := *p
	c.StockAllocations = make([]StockAllocation, len(p.StockAllocations))
	copy(c.StockAllocations, p.StockAllocations)
	return &c
}

type portfolioJSON struct {
	TotalAssets      float64           `json:"total_assets"`
	TotalCash        float64           `json:"total_cash"`
	TotalLoan        float64           `json:"total_loan"`
	AvailableCash    float64           `json:"available_cash"`
	TotalStockValue  float64           `json:"total_stock_value"`
	StockAllocations []StockAllocation `json:"stock_allocations"`
}

// MarshalJSON includes the derived totals.
func (p Portfolio) MarshalJSON() ([]byte, error) {
	return json.Marshal(portfolioJSON{
		TotalAssets:      p.TotalAssets(),
		TotalCash:        p.TotalCash,
		TotalLoan:        p.TotalLoan,
		AvailableCash:    p.AvailableCash,
		TotalStockValue:  p.TotalStockValue(),
		StockAllocations: p.StockAllocations,
	})
}

// UnmarshalJSON ignores the derived totals; they are recomputed on access.
func (p *Portfolio) UnmarshalJSON(data []byte) error {
	var v portfolioJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = *NewPortfolio(v.TotalCash, v.TotalLoan, v.AvailableCash, v.StockAllocations)
	return nil
}
