package engine

import (
	"fmt"

	"tradegate/internal/domain"
)

// RiskManager enforces pre-trade limits against the account's current
// portfolio. A zero limit disables that check.
type RiskManager struct {
	maxPositionPct float64
	maxOrderValue  float64
}

// NewRiskManager creates a RiskManager with the specified thresholds.
//
//   - maxPositionPct: maximum fraction of total assets a single buy may add
//     to one symbol, counting what is already held (e.g. 0.10 for 10%).
//   - maxOrderValue: maximum notional value (quantity * price) of one order.
func NewRiskManager(maxPositionPct, maxOrderValue float64) *RiskManager {
	return &RiskManager{
		maxPositionPct: maxPositionPct,
		maxOrderValue:  maxOrderValue,
	}
}

// CheckOrder returns the reason the order violates a limit, or "" when it
// passes. Sells only reduce exposure and are checked for order value alone.
func (rm *RiskManager) CheckOrder(order *domain.Order, p *domain.Portfolio) string {
	notional := order.Quantity * order.Price
	if rm.maxOrderValue > 0 && notional > rm.maxOrderValue {
		return fmt.Sprintf("order value %.2f exceeds limit %.2f", notional, rm.maxOrderValue)
	}
	if order.TradeType != domain.TradeTypeBuy || rm.maxPositionPct <= 0 || p == nil {
		return ""
	}
	total := p.TotalAssets()
	if total <= 0 {
		return "portfolio has no assets"
	}
	held := 0.0
	if a, ok := p.Allocation(order.Symbol); ok {
		held = a.CurrentValue
	}
	if pct := (held + notional) / total; pct > rm.maxPositionPct {
		return fmt.Sprintf("%s would be %.1f%% of assets, limit %.1f%%", order.Symbol, pct*100, rm.maxPositionPct*100)
	}
	return ""
}
