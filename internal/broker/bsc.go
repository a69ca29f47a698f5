package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"tradegate/internal/cache"
	"tradegate/internal/domain"
	"tradegate/internal/store"
)

// Compile-time interface checks.
var (
	_ Broker         = (*BSCBroker)(nil)
	_ TokenRefresher = (*BSCBroker)(nil)
)

const (
	bscProdHost = "https://api.bsc.com.vn"
	bscUATHost  = "https://apiuat.bsc.com.vn"

	// bscSettlementField is the custom position field carrying quantity
	// pending settlement.
	bscSettlementField = "1000"

	bscOrderHistoryLimit = 200
)

var (
	bscTransactionIDRe = regexp.MustCompile(`name="transactionID" value="([^"]+)"`)
	bscTokenIDRe       = regexp.MustCompile(`name="tokenID" value="([^"]+)"`)
	bscPermissionIDRe  = regexp.MustCompile(`name="transaction_id" .*value="([^"]+)"`)
)

// BSCBroker implements Broker against the BSC open API. Login is an OAuth
// authorization-code flow driven through the vendor's HTML login pages.
type BSCBroker struct {
	cfg     AccountConfig
	deps    Deps
	log     *slog.Logger
	session *Session

	ssoServer     string
	tradingServer string
	scope         string
}

// NewBSCBroker creates a BSC backend and seeds its access token from the
// token store, if one is configured.
func NewBSCBroker(cfg AccountConfig, deps Deps) (*BSCBroker, error) {
	if cfg.Username == "" || cfg.TradingAccountID == "" {
		return nil, fmt.Errorf("bsc: username and trading account id are required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.URLCallback == "" {
		return nil, fmt.Errorf("bsc: missing OAuth client settings")
	}
	deps = deps.withDefaults()

	b := &BSCBroker{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger.With("broker", "BSC", "account", cfg.TradingAccountID),
		scope: cacheScope("BSC", cfg.TradingAccountID),
	}
	b.ssoServer, b.tradingServer = bscServers(cfg.Mode, cfg.BaseURL)
	b.session = NewSession(SessionConfig{
		Client:      deps.HTTPClient,
		Logger:      b.log,
		RateLimiter: deps.RateLimiter,
		Attempts:    deps.RetryAttempts,
		BaseDelay:   deps.RetryBaseDelay,
		Authorize: func(h http.Header, st SessionState) {
			if st.AccessToken != "" {
				h.Set("Authorization", "Bearer "+st.AccessToken)
			}
		},
		Login: func(ctx context.Context) error { return b.login(ctx, false) },
	})
	b.seed(context.Background())
	return b, nil
}

func bscServers(mode, baseURL string) (sso, trading string) {
	host := bscProdHost
	if strings.EqualFold(mode, "uat") {
		host = bscUATHost
	}
	if baseURL != "" {
		host = strings.TrimRight(baseURL, "/")
	}
	if strings.EqualFold(mode, "uat") {
		return host + "/sso", host + "/trading"
	}
	return host + "/sso", host
}

func (b *BSCBroker) seed(ctx context.Context) {
	if b.deps.TokenStore == nil {
		return
	}
	rec, err := b.deps.TokenStore.Latest(ctx, b.cfg.Username)
	if err != nil {
		if !errors.Is(err, store.ErrTokenNotFound) {
			b.log.Warn("loading stored token", "error", err)
		}
		return
	}
	b.session.Seed(SessionState{AccessToken: rec.AccessToken, RefreshToken: rec.RefreshToken})
	b.log.Info("restored stored token", "updated_at", rec.UpdatedAt)
}

// Name returns "BSC".
func (b *BSCBroker) Name() string { return "BSC" }

// AccountID returns the configured trading account.
func (b *BSCBroker) AccountID() string { return b.cfg.TradingAccountID }

// Session exposes the underlying session.
func (b *BSCBroker) Session() *Session { return b.session }

// Login runs the full authorization-code flow.
func (b *BSCBroker) Login(ctx context.Context, interactiveOTP bool) error {
	return b.session.Authenticate(ctx, b.session.Generation(), func(ctx context.Context) error {
		return b.login(ctx, interactiveOTP)
	})
}

func (b *BSCBroker) login(ctx context.Context, interactiveOTP bool) error {
	b.log.Info("logging in")
	flow, err := b.flowClient()
	if err != nil {
		return err
	}
	step := func(method, target string, form url.Values) (*Response, error) {
		return b.session.Do(ctx, &Request{
			Method:    method,
			URL:       target,
			Form:      form,
			Client:    flow,
			Anonymous: true,
			NoReauth:  true,
		})
	}

	authorize := b.ssoServer + "/oauth/authorize?" + url.Values{
		"client_id":     {b.cfg.ClientID},
		"response_type": {"code"},
		"redirect_uri":  {b.cfg.URLCallback},
		"scope":         {"general"},
		"ui_locales":    {"en"},
	}.Encode()
	resp, err := step(http.MethodGet, authorize, nil)
	if err != nil {
		return fmt.Errorf("bsc authorize: %w", err)
	}

	resp, err = step(http.MethodPost, resp.urlString(), url.Values{
		"username": {b.cfg.Username},
		"password": {b.cfg.Password},
	})
	if err != nil {
		return fmt.Errorf("bsc credentials: %w", err)
	}
	transactionID := extract(bscTransactionIDRe, resp.Body)
	tokenID := extract(bscTokenIDRe, resp.Body)
	if transactionID == "" || tokenID == "" {
		return fmt.Errorf("bsc login for %s: %w", b.cfg.Username, domain.ErrInvalidCredentials)
	}

	otp, err := b.otp(ctx, interactiveOTP)
	if err != nil {
		return err
	}
	resp, err = step(http.MethodPost, resp.urlString(), url.Values{
		"code":          {otp},
		"transactionID": {transactionID},
		"tokenID":       {tokenID},
		"signedBase64":  {"undefined"},
	})
	if err != nil {
		return fmt.Errorf("bsc otp: %w", err)
	}
	permissionID := extract(bscPermissionIDRe, resp.Body)
	if permissionID == "" {
		return fmt.Errorf("bsc otp for %s: %w", b.cfg.Username, domain.ErrInvalidCredentials)
	}

	resp, err = step(http.MethodPost, b.ssoServer+"/oauth/authorize/decision", url.Values{
		"transaction_id": {permissionID},
	})
	if err != nil {
		return fmt.Errorf("bsc decision: %w", err)
	}
	code := consentCode(resp.Header.Get("Location"))
	if code == "" {
		return fmt.Errorf("%w: bsc decision returned no consent code (status %d)", domain.ErrVendorResponse, resp.StatusCode)
	}

	tokens, err := b.exchange(ctx, url.Values{
		"client_id":     {b.cfg.ClientID},
		"client_secret": {b.cfg.ClientSecret},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {b.cfg.URLCallback},
		"code":          {code},
	}, nil)
	if err != nil {
		return err
	}
	b.session.Update(func(st *SessionState) {
		st.AccessToken = tokens.AccessToken
		st.RefreshToken = tokens.RefreshToken
	})

	accountIDs, err := b.listAccounts(ctx)
	if err != nil {
		return err
	}
	b.persist(ctx, accountIDs, true)
	if !slices.Contains(accountIDs, b.cfg.TradingAccountID) {
		return fmt.Errorf("bsc account %s not owned by %s: %w", b.cfg.TradingAccountID, b.cfg.Username, domain.ErrInvalidAccountIdentity)
	}
	b.log.Info("logged in", "accounts", len(accountIDs))
	return nil
}

// flowClient returns a cookie-scoped client for the login pages. It follows
// redirects except the final consent decision, whose Location carries the
// authorization code.
func (b *BSCBroker) flowClient() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	base := b.deps.HTTPClient
	return &http.Client{
		Transport: base.Transport,
		Timeout:   base.Timeout,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if strings.HasSuffix(via[0].URL.Path, "/oauth/authorize/decision") {
				return http.ErrUseLastResponse
			}
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}, nil
}

func (b *BSCBroker) otp(ctx context.Context, interactive bool) (string, error) {
	if b.cfg.PIN != "" && !interactive {
		return b.cfg.PIN, nil
	}
	if b.deps.Prompt == nil {
		return "", fmt.Errorf("bsc login for %s: OTP required but no prompt configured: %w", b.cfg.Username, domain.ErrInvalidCredentials)
	}
	return b.deps.Prompt(ctx, "Enter Smart OTP: ")
}

func extract(re *regexp.Regexp, body []byte) string {
	m := re.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// consentCode pulls the authorization code from the decision redirect.
func consentCode(location string) string {
	if location == "" {
		return ""
	}
	if u, err := url.Parse(location); err == nil {
		if code := u.Query().Get("code"); code != "" {
			return code
		}
	}
	if i := strings.LastIndex(location, "="); i >= 0 {
		return location[i+1:]
	}
	return ""
}

type bscTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// exchange posts to the token endpoint, either form- or JSON-encoded.
func (b *BSCBroker) exchange(ctx context.Context, form url.Values, body any) (*bscTokens, error) {
	resp, err := b.session.Do(ctx, &Request{
		Method:    http.MethodPost,
		URL:       b.ssoServer + "/oauth/token",
		Form:      form,
		JSON:      body,
		Anonymous: true,
		NoReauth:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("bsc token: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("bsc token: %w", statusError(http.MethodPost, resp))
	}
	var tokens bscTokens
	if err := resp.DecodeJSON(&tokens); err != nil {
		return nil, err
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: bsc token response has no access token", domain.ErrVendorResponse)
	}
	return &tokens, nil
}

// RefreshAccessToken exchanges the refresh token for a new access token and
// updates the stored record. On failure the stored record is marked invalid.
func (b *BSCBroker) RefreshAccessToken(ctx context.Context) error {
	return b.session.Authenticate(ctx, b.session.Generation(), b.refresh)
}

func (b *BSCBroker) refresh(ctx context.Context) error {
	st := b.session.State()
	b.log.Warn("refreshing access token")
	err := func() error {
		if st.RefreshToken == "" {
			return fmt.Errorf("bsc refresh for %s: no refresh token", b.cfg.Username)
		}
		tokens, err := b.exchange(ctx, nil, map[string]string{
			"client_id":     b.cfg.ClientID,
			"client_secret": b.cfg.ClientSecret,
			"grant_type":    "refresh_token",
			"refresh_token": st.RefreshToken,
		})
		if err != nil {
			return err
		}
		b.session.Update(func(st *SessionState) {
			st.AccessToken = tokens.AccessToken
			if tokens.RefreshToken != "" {
				st.RefreshToken = tokens.RefreshToken
			}
		})
		accountIDs, err := b.listAccounts(ctx)
		if err != nil {
			return err
		}
		b.persist(ctx, accountIDs, true)
		return nil
	}()
	if err != nil {
		b.log.Error("token refresh failed", "error", err)
		b.persist(ctx, nil, false)
		return err
	}
	return nil
}

// persist writes the session tokens for every reachable account. With
// valid=false it only flags the login's records invalid.
func (b *BSCBroker) persist(ctx context.Context, accountIDs []string, valid bool) {
	if b.deps.TokenStore == nil {
		return
	}
	rec := store.TokenRecord{
		Login:     b.cfg.Username,
		Valid:     valid,
		UpdatedAt: time.Now(),
	}
	if valid {
		st := b.session.State()
		rec.AccountIDs = accountIDs
		rec.AccessToken = st.AccessToken
		rec.RefreshToken = st.RefreshToken
	}
	if err := b.deps.TokenStore.Put(ctx, rec); err != nil {
		b.log.Error("persisting token", "valid", valid, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Vendor envelope
// ---------------------------------------------------------------------------

type bscEnvelope struct {
	S      string          `json:"s"`
	D      json.RawMessage `json:"d"`
	Errmsg string          `json:"errmsg"`
}

func decodeBSCEnvelope(method string, resp *Response) (*bscEnvelope, error) {
	var env bscEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil || env.S == "" {
		if !resp.OK() {
			return nil, statusError(method, resp)
		}
		return nil, fmt.Errorf("%w: bsc %s: not an envelope", domain.ErrVendorResponse, resp.urlString())
	}
	return &env, nil
}

// get fetches a read endpoint and decodes its envelope payload into out.
func (b *BSCBroker) get(ctx context.Context, path string, noReauth bool, out any) error {
	resp, err := b.session.Do(ctx, &Request{
		Method:   http.MethodGet,
		URL:      b.tradingServer + path,
		NoReauth: noReauth,
	})
	if err != nil {
		return err
	}
	env, err := decodeBSCEnvelope(http.MethodGet, resp)
	if err != nil {
		return err
	}
	if env.S != "ok" {
		return fmt.Errorf("%w: bsc %s: %s", domain.ErrVendorResponse, path, env.Errmsg)
	}
	if err := json.Unmarshal(env.D, out); err != nil {
		return fmt.Errorf("%w: bsc %s: %v", domain.ErrVendorResponse, path, err)
	}
	return nil
}

func (b *BSCBroker) listAccounts(ctx context.Context) ([]string, error) {
	var accounts []struct {
		ID flexString `json:"id"`
	}
	if err := b.get(ctx, "/accounts", true, &accounts); err != nil {
		return nil, fmt.Errorf("bsc list accounts: %w", err)
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, string(a.ID))
	}
	return ids, nil
}

func (b *BSCBroker) accountPath(suffix string) string {
	return "/accounts/" + url.PathEscape(b.cfg.TradingAccountID) + suffix
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

type bscState struct {
	Balance float64       `json:"balance"`
	AmData  [][][]float64 `json:"amData"`
}

// amValue reads amData[i][0][0].
func (s bscState) amValue(i int) (float64, bool) {
	if len(s.AmData) <= i || len(s.AmData[i]) == 0 || len(s.AmData[i][0]) == 0 {
		return 0, false
	}
	return s.AmData[i][0][0], true
}

type bscPosition struct {
	Instrument   string  `json:"instrument"`
	Qty          float64 `json:"qty"`
	AvgPrice     float64 `json:"avgPrice"`
	UnrealizedPl float64 `json:"unrealizedPl"`
	CustomFields []struct {
		ID    flexString `json:"id"`
		Value float64    `json:"value"`
	} `json:"customFields"`
}

// GetCurrentPortfolio returns the account snapshot, cached per account.
func (b *BSCBroker) GetCurrentPortfolio(ctx context.Context) (*domain.Portfolio, error) {
	return cache.Memoize(b.deps.Cache, cache.Key(b.scope, "portfolio"), (*domain.Portfolio).Clone, func() (*domain.Portfolio, error) {
		return b.fetchPortfolio(ctx)
	})
}

func (b *BSCBroker) fetchPortfolio(ctx context.Context) (*domain.Portfolio, error) {
	var state bscState
	if err := b.get(ctx, b.accountPath("/state"), false, &state); err != nil {
		return nil, fmt.Errorf("bsc account state: %w", err)
	}
	loan, okLoan := state.amValue(1)
	pending, okPending := state.amValue(2)
	if !okLoan || !okPending {
		return nil, fmt.Errorf("%w: bsc account state: short amData", domain.ErrVendorResponse)
	}
	available := domain.FromMinor(state.Balance, domain.VNDScale)

	var positions []bscPosition
	if err := b.get(ctx, b.accountPath("/positions"), false, &positions); err != nil {
		return nil, fmt.Errorf("bsc positions: %w", err)
	}
	allocations := make([]domain.StockAllocation, 0, len(positions))
	for _, p := range positions {
		quantity := p.Qty
		for _, f := range p.CustomFields {
			if string(f.ID) == bscSettlementField {
				quantity += f.Value
			}
		}
		avg := domain.FromMinor(p.AvgPrice, domain.VNDScale)
		current := domain.FromMinor(p.UnrealizedPl, domain.VNDScale) + quantity*avg
		allocations = append(allocations, domain.NewStockAllocation(p.Instrument, quantity, p.Qty, avg, current))
	}

	return domain.NewPortfolio(
		available+domain.FromMinor(pending, domain.VNDScale),
		domain.FromMinor(loan, domain.VNDScale),
		available,
		allocations,
	), nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

type bscOrder struct {
	ID           flexString `json:"id"`
	Instrument   string     `json:"instrument"`
	Qty          float64    `json:"qty"`
	Side         string     `json:"side"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	AvgPrice     float64    `json:"avgPrice"`
	LimitPrice   float64    `json:"limitPrice"`
	LastModified int64      `json:"lastModified"`
}

var bscStatuses = map[string]domain.OrderStatus{
	"filled":    domain.OrderStatusMatched,
	"placing":   domain.OrderStatusPlacing,
	"cancelled": domain.OrderStatusCancelled,
	"rejected":  domain.OrderStatusRejected,
}

// GetCurrentOrders returns the order history from start's vendor-local date,
// with proportions taken against one portfolio snapshot.
func (b *BSCBroker) GetCurrentOrders(ctx context.Context, start time.Time) ([]domain.Order, error) {
	day := b.deps.Calendar.CalendarDay(start)
	return cache.Memoize(b.deps.Cache, cache.Key(b.scope, "orders", day), cloneOrders, func() ([]domain.Order, error) {
		return b.fetchOrders(ctx, day)
	})
}

func (b *BSCBroker) fetchOrders(ctx context.Context, start time.Time) ([]domain.Order, error) {
	var records []bscOrder
	path := fmt.Sprintf("%s?maxCount=%d", b.accountPath("/ordersHistory"), bscOrderHistoryLimit)
	if err := b.get(ctx, path, false, &records); err != nil {
		return nil, fmt.Errorf("bsc orders history: %w", err)
	}

	var portfolio *domain.Portfolio
	orders := make([]domain.Order, 0, len(records))
	for _, r := range records {
		createdAt := time.Unix(r.LastModified, 0)
		if !b.deps.Calendar.OnOrAfter(createdAt, start) {
			continue
		}
		status, ok := bscStatuses[strings.ToLower(r.Status)]
		if !ok {
			b.log.Warn("unknown order status", "status", r.Status, "order", r.ID)
			status = domain.OrderStatusPlacing
		}
		kind := domain.ExecutionKind(strings.ToLower(r.Type))
		orderType := domain.OrderTypeLO
		if kind != domain.ExecutionLimit {
			kind = domain.ExecutionMarket
			orderType = domain.OrderTypeMP
		}

		o := domain.Order{
			ID:               string(r.ID),
			Symbol:           r.Instrument,
			Quantity:         r.Qty,
			TradingAccountID: b.cfg.TradingAccountID,
			TradeType:        domain.TradeType(strings.ToLower(r.Side)),
			OrderType:        orderType,
			Price:            domain.FromMinor(r.LimitPrice, domain.VNDScale),
			AvgMatchedPrice:  domain.FromMinor(r.AvgPrice, domain.VNDScale),
			CreatedAt:        createdAt,
			ExecutionKind:    kind,
			Status:           status,
		}
		if status == domain.OrderStatusMatched {
			o.MatchedQuantity = r.Qty
		}
		normalizeMatch(&o, createdAt)

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

// PlaceOrder submits a limit or market order. Prices go out in minor units.
func (b *BSCBroker) PlaceOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	placed := newPlacement(order, b.cfg.TradingAccountID)
	b.log.Info("placing order", "symbol", placed.Symbol, "side", placed.TradeType, "type", placed.OrderType, "qty", placed.Quantity, "price", placed.Price)

	orderType := "limit"
	if placed.OrderType != "" && placed.OrderType != domain.OrderTypeLO {
		orderType = "market"
	}
	price := formatNumber(domain.ToMinor(placed.Price, domain.VNDScale))
	resp, err := b.session.Do(ctx, &Request{
		Method: http.MethodPost,
		URL:    b.tradingServer + b.accountPath("/orders"),
		Form: url.Values{
			"instrument": {placed.Symbol},
			"qty":        {formatNumber(placed.Quantity)},
			"side":       {string(placed.TradeType)},
			"type":       {orderType},
			"limitPrice": {price},
			"stopPrice":  {price},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bsc place order: %w", err)
	}
	env, err := decodeBSCEnvelope(http.MethodPost, resp)
	if err != nil {
		return nil, fmt.Errorf("bsc place order: %w", err)
	}
	if env.S != "ok" {
		return reject(b.log, placed, env.Errmsg), nil
	}

	var d struct {
		OrderID flexString `json:"orderid"`
	}
	if err := json.Unmarshal(env.D, &d); err != nil {
		return nil, fmt.Errorf("%w: bsc place order: %v", domain.ErrVendorResponse, err)
	}
	placed.ID = string(d.OrderID)
	b.deps.Cache.InvalidateAccount(b.scope)
	b.log.Info("order accepted", "id", placed.ID)
	return placed, nil
}

// CancelOrder cancels an open order by ID.
func (b *BSCBroker) CancelOrder(ctx context.Context, order *domain.Order) (bool, error) {
	if order.ID == "" {
		return false, fmt.Errorf("bsc cancel order: order has no id")
	}
	b.log.Info("cancelling order", "id", order.ID)
	resp, err := b.session.Do(ctx, &Request{
		Method: http.MethodDelete,
		URL:    b.tradingServer + b.accountPath("/orders/"+url.PathEscape(order.ID)),
	})
	if err != nil {
		return false, fmt.Errorf("bsc cancel order: %w", err)
	}
	env, err := decodeBSCEnvelope(http.MethodDelete, resp)
	if err != nil {
		return false, fmt.Errorf("bsc cancel order: %w", err)
	}
	if env.S != "ok" {
		b.log.Error("cancel failed", "id", order.ID, "reason", env.Errmsg)
		return false, nil
	}
	b.deps.Cache.InvalidateAccount(b.scope)
	return true, nil
}
