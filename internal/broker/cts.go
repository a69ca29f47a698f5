package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/cache"
	"tradegate/internal/domain"
	"tradegate/internal/util"
)

// Compile-time interface check.
var _ Broker = (*CTSBroker)(nil)

const (
	ctsAuthHost    = "https://uaa-cts.datxasia.com"
	ctsTradingHost = "https://api-cts.datxasia.com"

	// The vendor requires a device identity but does not validate it.
	ctsDeviceID   = "bbe4a4e8032295d5"
	ctsDeviceInfo = `{"name":"SM-N985F","model":"SM-N985F","systemVersion":"11"}`

	// ctsUnknownSubAccount is the message code for a sub-account the login
	// does not own.
	ctsUnknownSubAccount = "MSG3092"

	ctsTradeSell = 1
	ctsTradeBuy  = 2
)

// CTSBroker implements Broker against the CTS trading API. Its access
// tokens live for minutes, so every operation logs in first and mints a
// fresh trading OTP.
type CTSBroker struct {
	cfg     AccountConfig
	deps    Deps
	log     *slog.Logger
	session *Session

	authServer    string
	tradingServer string
	scope         string
}

// NewCTSBroker creates a CTS backend.
func NewCTSBroker(cfg AccountConfig, deps Deps) (*CTSBroker, error) {
	if cfg.Username == "" || cfg.TradingAccountID == "" {
		return nil, fmt.Errorf("cts: username and trading account id are required")
	}
	deps = deps.withDefaults()

	b := &CTSBroker{
		cfg:           cfg,
		deps:          deps,
		log:           deps.Logger.With("broker", "CTS", "account", cfg.TradingAccountID),
		authServer:    ctsAuthHost,
		tradingServer: ctsTradingHost,
		scope:         cacheScope("CTS", cfg.TradingAccountID),
	}
	if cfg.BaseURL != "" {
		host := strings.TrimRight(cfg.BaseURL, "/")
		b.authServer, b.tradingServer = host, host
	}
	b.session = NewSession(SessionConfig{
		Client:      deps.HTTPClient,
		Logger:      b.log,
		RateLimiter: deps.RateLimiter,
		Attempts:    deps.RetryAttempts,
		BaseDelay:   deps.RetryBaseDelay,
		Authorize: func(h http.Header, st SessionState) {
			h.Set("subAccoNo", cfg.TradingAccountID)
			if st.AccessToken != "" {
				h.Set("Authorization", "Bearer "+st.AccessToken)
			}
		},
		Login: func(ctx context.Context) error { return b.login(ctx, false) },
	})
	return b, nil
}

// Name returns "CTS".
func (b *CTSBroker) Name() string { return "CTS" }

// AccountID returns the configured sub-account.
func (b *CTSBroker) AccountID() string { return b.cfg.TradingAccountID }

// Session exposes the underlying session.
func (b *CTSBroker) Session() *Session { return b.session }

// Login authenticates and mints a trading OTP.
func (b *CTSBroker) Login(ctx context.Context, interactiveOTP bool) error {
	return b.session.Authenticate(ctx, b.session.Generation(), func(ctx context.Context) error {
		return b.login(ctx, interactiveOTP)
	})
}

type ctsLoginResponse struct {
	ErrorCode int    `json:"errorCode"`
	Message   string `json:"message"`
	Data      *struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		SessionState string `json:"session_state"`
	} `json:"data"`
}

func (b *CTSBroker) login(ctx context.Context, interactiveOTP bool) error {
	resp, err := b.session.Do(ctx, &Request{
		Method:    http.MethodPost,
		URL:       b.authServer + "/api/third-party/login",
		Header:    http.Header{"subAccoNo": {b.cfg.TradingAccountID}},
		Form:      url.Values{"username": {b.cfg.Username}, "password": {b.cfg.Password}},
		Anonymous: true,
		NoReauth:  true,
	})
	if err != nil {
		return fmt.Errorf("cts login: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cts login for %s: status %d: %w", b.cfg.Username, resp.StatusCode, domain.ErrInvalidCredentials)
	}
	var lr ctsLoginResponse
	if err := resp.DecodeJSON(&lr); err != nil {
		return err
	}
	if lr.ErrorCode == http.StatusUnauthorized && strings.Contains(lr.Message, ctsUnknownSubAccount) {
		return fmt.Errorf("cts sub-account %s not owned by %s: %w", b.cfg.TradingAccountID, b.cfg.Username, domain.ErrInvalidAccountIdentity)
	}
	if lr.Data == nil || lr.Data.AccessToken == "" {
		return fmt.Errorf("cts login for %s: %s: %w", b.cfg.Username, lr.Message, domain.ErrInvalidCredentials)
	}
	b.session.Update(func(st *SessionState) {
		st.AccessToken = lr.Data.AccessToken
		st.RefreshToken = lr.Data.RefreshToken
		st.SessionID = lr.Data.SessionState
		st.TradingOTP = ""
	})

	otp, err := b.generateOTP(ctx, interactiveOTP)
	if err != nil {
		return err
	}
	b.session.Update(func(st *SessionState) { st.TradingOTP = otp })
	b.log.Debug("logged in")
	return nil
}

// ctsResult is the envelope of the trading endpoints. A request succeeded
// only when statusCode is present and zero.
type ctsResult struct {
	StatusCode *int            `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

func (r ctsResult) ok() bool {
	return r.StatusCode != nil && *r.StatusCode == 0
}

func (r ctsResult) describe() string {
	if r.StatusCode == nil {
		return r.Message
	}
	return fmt.Sprintf("statusCode %d %s", *r.StatusCode, r.Message)
}

// call issues a trading request and decodes its envelope. Non-200 responses
// are protocol failures.
func (b *CTSBroker) call(ctx context.Context, req *Request) (*ctsResult, error) {
	resp, err := b.session.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(req.Method, resp)
	}
	var res ctsResult
	if err := resp.DecodeJSON(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (b *CTSBroker) generateOTP(ctx context.Context, interactive bool) (string, error) {
	pin := b.cfg.PIN
	if pin == "" || interactive {
		if b.deps.Prompt == nil {
			return "", fmt.Errorf("cts login for %s: trading PIN required but no prompt configured: %w", b.cfg.Username, domain.ErrInvalidCredentials)
		}
		var err error
		if pin, err = b.deps.Prompt(ctx, "Enter trading PIN: "); err != nil {
			return "", err
		}
	}

	st := b.session.State()
	res, err := b.call(ctx, &Request{
		Method: http.MethodPost,
		URL:    b.tradingServer + "/api/generateSmartOtp",
		JSON: map[string]any{
			"custNo":     b.cfg.Username,
			"sessionId":  st.SessionID,
			"deviceId":   ctsDeviceID,
			"deviceInfo": ctsDeviceInfo,
			"requestId":  uuid.NewString(),
			"pinCd":      pin,
		},
		NoReauth: true,
	})
	if err != nil {
		return "", fmt.Errorf("cts smart otp: %w", err)
	}
	var data struct {
		OTP flexString `json:"otp"`
	}
	if len(res.Data) == 0 || json.Unmarshal(res.Data, &data) != nil || data.OTP == "" {
		return "", fmt.Errorf("%w: cts smart otp: %s", domain.ErrVendorResponse, res.describe())
	}
	return string(data.OTP), nil
}

// fresh runs the per-operation login.
func (b *CTSBroker) fresh(ctx context.Context) error {
	return b.Login(ctx, false)
}

func (b *CTSBroker) tradeDate() string {
	return b.deps.Calendar.Format(b.deps.Calendar.Now())
}

// PlaceOrder submits an order with the session's trading OTP.
func (b *CTSBroker) PlaceOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if err := b.fresh(ctx); err != nil {
		return nil, err
	}
	placed := newPlacement(order, b.cfg.TradingAccountID)
	b.log.Info("placing order", "symbol", placed.Symbol, "side", placed.TradeType, "type", placed.OrderType, "qty", placed.Quantity, "price", placed.Price)

	tradeType := ctsTradeSell
	if placed.TradeType == domain.TradeTypeBuy {
		tradeType = ctsTradeBuy
	}
	orderType := placed.OrderType
	if orderType == "" {
		orderType = domain.OrderTypeLO
	}
	st := b.session.State()
	res, err := b.call(ctx, &Request{
		Method: http.MethodPost,
		URL:    b.tradingServer + "/api/submitOrder",
		JSON: map[string]any{
			"subAccoNo":   b.cfg.TradingAccountID,
			"tradeType":   tradeType,
			"secCd":       placed.Symbol,
			"order_type":  orderType,
			"order_price": placed.Price,
			"order_qty":   placed.Quantity,
			"sessionId":   st.SessionID,
			"deviceId":    ctsDeviceID,
			"otp":         st.TradingOTP,
			"deviceInfo":  ctsDeviceInfo,
			"requestId":   uuid.NewString(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cts place order: %w", err)
	}
	if !res.ok() {
		return reject(b.log, placed, res.describe()), nil
	}

	var data struct {
		OrgOrderNo flexString `json:"orgOrderNo"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: cts place order: %v", domain.ErrVendorResponse, err)
	}
	placed.ID = string(data.OrgOrderNo)
	b.deps.Cache.InvalidateAccount(b.scope)
	b.log.Info("order accepted", "id", placed.ID)
	return placed, nil
}

// CancelOrder cancels an order placed on the current vendor trading day.
func (b *CTSBroker) CancelOrder(ctx context.Context, order *domain.Order) (bool, error) {
	if order.ID == "" {
		return false, fmt.Errorf("cts cancel order: order has no id")
	}
	if err := b.fresh(ctx); err != nil {
		return false, err
	}
	tradeDate, err := strconv.Atoi(b.tradeDate())
	if err != nil {
		return false, err
	}
	st := b.session.State()
	res, err := b.call(ctx, &Request{
		Method: http.MethodPost,
		URL:    b.tradingServer + "/api/cancelOrder",
		JSON: map[string]any{
			"tradeDate":  tradeDate,
			"orgOrderNo": order.ID,
			"otp":        st.TradingOTP,
			"sessionId":  st.SessionID,
			"deviceId":   ctsDeviceID,
			"deviceInfo": ctsDeviceInfo,
			"requestId":  uuid.NewString(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("cts cancel order: %w", err)
	}
	if !res.ok() {
		b.log.Error("cancel failed", "id", order.ID, "reason", res.describe())
		return false, nil
	}
	b.deps.Cache.InvalidateAccount(b.scope)
	return true, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

type ctsOrder struct {
	SecCd       string     `json:"secCd"`
	OrdQty      float64    `json:"ordQty"`
	OrdType     string     `json:"ordType"`
	OrdPrice    float64    `json:"ordPrice"`
	OrgOrderNo  flexString `json:"orgOrderNo"`
	MatPriceAvg float64    `json:"matPriceAvg"`
	MatQty      float64    `json:"matQty"`
	RegDateTime int64      `json:"regDateTime"` // epoch ms
	UpdDateTime int64      `json:"updDateTime"` // epoch ms
	ExtStatus   int        `json:"extStatus"`
}

// ctsStatus maps the vendor's numeric order status.
func ctsStatus(code int) domain.OrderStatus {
	switch code {
	case 1, 7, 8:
		return domain.OrderStatusRejected
	case 5:
		return domain.OrderStatusMatched
	default:
		return domain.OrderStatusPlacing
	}
}

// GetCurrentOrders queries buy and sell orders from start's vendor-local
// date through today.
func (b *CTSBroker) GetCurrentOrders(ctx context.Context, start time.Time) ([]domain.Order, error) {
	day := b.deps.Calendar.CalendarDay(start)
	return cache.Memoize(b.deps.Cache, cache.Key(b.scope, "orders", day), cloneOrders, func() ([]domain.Order, error) {
		return b.fetchOrders(ctx, day)
	})
}

func (b *CTSBroker) fetchOrders(ctx context.Context, start time.Time) ([]domain.Order, error) {
	if err := b.fresh(ctx); err != nil {
		return nil, err
	}

	var (
		portfolio *domain.Portfolio
		orders    []domain.Order
	)
	for _, side := range []struct {
		code int
		side domain.TradeType
	}{{ctsTradeSell, domain.TradeTypeSell}, {ctsTradeBuy, domain.TradeTypeBuy}} {
		q := url.Values{
			"requestId": {uuid.NewString()},
			"tradeType": {strconv.Itoa(side.code)},
			"secCd":     {""},
			"extStatus": {""},
			"fromDate":  {start.Format(util.VendorDateLayout)},
			"toDate":    {b.tradeDate()},
		}
		res, err := b.call(ctx, &Request{
			Method: http.MethodGet,
			URL:    b.tradingServer + "/api/findOrderByFilter?" + q.Encode(),
		})
		if err != nil {
			return nil, fmt.Errorf("cts %s orders: %w", side.side, err)
		}
		if !res.ok() {
			return nil, fmt.Errorf("%w: cts %s orders: %s", domain.ErrVendorResponse, side.side, res.describe())
		}

		var records []ctsOrder
		if len(res.Data) > 0 && string(res.Data) != "null" {
			if err := json.Unmarshal(res.Data, &records); err != nil {
				return nil, fmt.Errorf("%w: cts %s orders: %v", domain.ErrVendorResponse, side.side, err)
			}
		}
		for _, r := range records {
			createdAt := time.UnixMilli(r.RegDateTime)
			if !b.deps.Calendar.OnOrAfter(createdAt, start) {
				continue
			}
			orderType := domain.OrderType(strings.ToUpper(r.OrdType))
			o := domain.Order{
				ID:               string(r.OrgOrderNo),
				Symbol:           r.SecCd,
				Quantity:         r.OrdQty,
				TradingAccountID: b.cfg.TradingAccountID,
				TradeType:        side.side,
				OrderType:        orderType,
				Price:            r.OrdPrice,
				AvgMatchedPrice:  r.MatPriceAvg,
				MatchedQuantity:  r.MatQty,
				CreatedAt:        createdAt,
				ExecutionKind:    executionKind(orderType),
				Status:           ctsStatus(r.ExtStatus),
			}
			normalizeMatch(&o, time.UnixMilli(r.UpdDateTime))

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
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

type ctsAccount struct {
	CasAmt       float64 `json:"casAmt"`
	PaymentTotal float64 `json:"paymentTotal"`
	BuyingPower  float64 `json:"buyingPower"`
	Securities   []struct {
		SecCode        string  `json:"secCode"`
		Total          float64 `json:"total"`
		PendingReceive float64 `json:"pendingReceive"`
		AvailSale      float64 `json:"availSale"`
		CurrentPrice   float64 `json:"currentPrice"`
	} `json:"secBalanceData2"`
}

// GetCurrentPortfolio returns the account snapshot, cached per account.
func (b *CTSBroker) GetCurrentPortfolio(ctx context.Context) (*domain.Portfolio, error) {
	return cache.Memoize(b.deps.Cache, cache.Key(b.scope, "portfolio"), (*domain.Portfolio).Clone, func() (*domain.Portfolio, error) {
		return b.fetchPortfolio(ctx)
	})
}

func (b *CTSBroker) fetchPortfolio(ctx context.Context) (*domain.Portfolio, error) {
	if err := b.fresh(ctx); err != nil {
		return nil, err
	}
	q := url.Values{
		"subAccoNo": {b.cfg.TradingAccountID},
		"requestId": {uuid.NewString()},
	}
	res, err := b.call(ctx, &Request{
		Method: http.MethodGet,
		URL:    b.tradingServer + "/api/inquiryAccountCashSec?" + q.Encode(),
	})
	if err != nil {
		return nil, fmt.Errorf("cts portfolio: %w", err)
	}
	if !res.ok() {
		return nil, fmt.Errorf("%w: cts portfolio: %s", domain.ErrVendorResponse, res.describe())
	}
	var acct ctsAccount
	if err := json.Unmarshal(res.Data, &acct); err != nil {
		return nil, fmt.Errorf("%w: cts portfolio: %v", domain.ErrVendorResponse, err)
	}

	allocations := make([]domain.StockAllocation, 0, len(acct.Securities))
	for _, s := range acct.Securities {
		quantity := s.Total + s.PendingReceive
		current := domain.FromMinor(s.CurrentPrice, domain.VNDScale) * quantity
		allocations = append(allocations, domain.NewStockAllocation(s.SecCode, quantity, s.AvailSale, 0, current))
	}
	return domain.NewPortfolio(
		domain.FromMinor(acct.CasAmt-acct.PaymentTotal, domain.VNDScale),
		0,
		domain.FromMinor(acct.BuyingPower, domain.VNDScale),
		allocations,
	), nil
}
