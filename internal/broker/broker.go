// Package broker defines the Broker interface and provides implementations
// for executing orders and reading portfolios across different brokerages.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tradegate/internal/cache"
	"tradegate/internal/domain"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

// Broker abstracts one logged-in brokerage trading account.
type Broker interface {
	// Name returns the brokerage tag (e.g. "BSC", "CTS").
	Name() string

	// AccountID returns the trading account identifier orders are routed to.
	AccountID() string

	// Login establishes or refreshes the session. interactiveOTP forces an
	// OTP prompt even when a stored PIN is configured.
	Login(ctx context.Context, interactiveOTP bool) error

	// PlaceOrder submits an order. Vendor-side rejections are returned as an
	// order with status rejected, never as an error.
	PlaceOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// CancelOrder reports whether the vendor confirmed the cancellation.
	CancelOrder(ctx context.Context, order *domain.Order) (bool, error)

	// GetCurrentOrders returns orders created on or after start's calendar
	// date in the vendor timezone.
	GetCurrentOrders(ctx context.Context, start time.Time) ([]domain.Order, error)

	// GetCurrentPortfolio returns the current account snapshot.
	GetCurrentPortfolio(ctx context.Context) (*domain.Portfolio, error)
}

// OTPPrompter asks the operator for a one-time code.
type OTPPrompter func(ctx context.Context, prompt string) (string, error)

// AccountConfig holds the per-account settings a backend is built from.
type AccountConfig struct {
	Name             string
	Brokerage        string
	Username         string
	Password         string
	PIN              string
	TradingAccountID string
	Mode             string // "prod" (default) or "uat"
	BaseURL          string // overrides the vendor host set

	// BSC OAuth client.
	ClientID     string
	ClientSecret string
	URLCallback  string

	// Alpaca.
	APIKey    string
	APISecret string

	// PAPER.
	InitialCash float64
}

// Deps are the collaborators shared by every backend. Zero values fall back
// to sensible defaults; see withDefaults.
type Deps struct {
	HTTPClient     *http.Client
	TokenStore     store.TokenStore
	Cache          *cache.ResultCache
	Logger         *slog.Logger
	Calendar       *util.TradingCalendar
	Prompt         OTPPrompter
	RateLimiter    *util.RateLimiter
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

const (
	defaultRetryAttempts  = 5
	defaultRetryBaseDelay = 100 * time.Millisecond
	defaultHTTPTimeout    = 30 * time.Second

	// VendorLocation is the timezone Vietnamese brokerages bucket orders by.
	VendorLocation = "Asia/Ho_Chi_Minh"
)

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Calendar == nil {
		d.Calendar = util.NewTradingCalendar(VendorLocation, nil)
	}
	if d.RetryAttempts <= 0 {
		d.RetryAttempts = defaultRetryAttempts
	}
	if d.RetryBaseDelay <= 0 {
		d.RetryBaseDelay = defaultRetryBaseDelay
	}
	return d
}

// cacheScope is the account identity cache entries are keyed under.
func cacheScope(brokerage, accountID string) string {
	return brokerage + ":" + accountID
}

func cloneOrders(orders []domain.Order) []domain.Order {
	if orders == nil {
		return nil
	}
	out := make([]domain.Order, len(orders))
	copy(out, orders)
	for i := range out {
		if out[i].MatchedAt != nil {
			t := *out[i].MatchedAt
			out[i].MatchedAt = &t
		}
	}
	return out
}

// newPlacement copies order for submission, filling the account and the
// initial status.
func newPlacement(order *domain.Order, accountID string) *domain.Order {
	placed := *order
	if placed.TradingAccountID == "" {
		placed.TradingAccountID = accountID
	}
	if placed.Status == "" {
		placed.Status = domain.OrderStatusPlacing
	}
	if placed.CreatedAt.IsZero() {
		placed.CreatedAt = time.Now()
	}
	return &placed
}

// reject marks placed rejected, logging the vendor's reason.
func reject(log *slog.Logger, placed *domain.Order, reason string) *domain.Order {
	if err := placed.MarkRejected(reason); err != nil {
		placed.Status = domain.OrderStatusRejected
		placed.RejectReason = reason
	}
	placed.ID = ""
	log.Error("order rejected", "symbol", placed.Symbol, "side", placed.TradeType, "qty", placed.Quantity, "reason", reason)
	return placed
}

// normalizeMatch enforces the matched-status invariants on a vendor record:
// a matched order carries a positive quantity and a match time, anything
// else carries neither.
func normalizeMatch(o *domain.Order, at time.Time) {
	if o.Status == domain.OrderStatusMatched && o.MatchedQuantity <= 0 {
		o.Status = domain.OrderStatusPlacing
	}
	if o.Status == domain.OrderStatusMatched {
		o.MatchedAt = &at
		return
	}
	o.MatchedQuantity = 0
	o.MatchedAt = nil
}

func executionKind(t domain.OrderType) domain.ExecutionKind {
	if t == domain.OrderTypeLO {
		return domain.ExecutionLimit
	}
	return domain.ExecutionMarket
}

// TokenRefresher is implemented by backends whose sessions can be refreshed
// without a full login.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context) error
}

// flexString decodes a JSON string or number; vendors are inconsistent about
// identifier types.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
