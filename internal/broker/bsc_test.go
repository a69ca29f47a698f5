package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"tradegate/internal/domain"
	"tradegate/internal/store"
)

// bscFake emulates the BSC SSO pages and trading API.
type bscFake struct {
	srv *httptest.Server

	mu          sync.Mutex
	validToken  string
	accounts    []string
	placed      map[string]string // last place-order form values
	exchanges   atomic.Int32
	stateCalls  atomic.Int32
	refreshOK   bool
	tokenSerial int
}

const (
	bscTestUser     = "user1"
	bscTestPassword = "secret"
	bscTestPIN      = "111222"
)

func newBSCFake(t *testing.T) *bscFake {
	t.Helper()
	f := &bscFake{accounts: []string{"ACC1", "ACC2"}}
	mux := http.NewServeMux()

	mux.HandleFunc("/sso/oauth/authorize", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "flow-1", Path: "/"})
		http.Redirect(w, r, "/sso/login", http.StatusFound)
	})
	mux.HandleFunc("/sso/login", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err != nil || c.Value != "flow-1" {
			http.Error(w, "no flow cookie", http.StatusBadRequest)
			return
		}
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `<form method="post"><input name="username"><input name="password"></form>`)
			return
		}
		r.ParseForm()
		switch {
		case r.PostForm.Get("username") != "":
			if r.PostForm.Get("username") != bscTestUser || r.PostForm.Get("password") != bscTestPassword {
				fmt.Fprint(w, `<form method="post"><p>Wrong username or password</p></form>`)
				return
			}
			fmt.Fprint(w, `<form method="post">
<input type="hidden" name="transactionID" value="tx-1">
<input type="hidden" name="tokenID" value="tok-1">
</form>`)
		case r.PostForm.Get("code") != "":
			if r.PostForm.Get("code") != bscTestPIN || r.PostForm.Get("transactionID") != "tx-1" || r.PostForm.Get("tokenID") != "tok-1" {
				fmt.Fprint(w, `<p>Invalid OTP</p>`)
				return
			}
			fmt.Fprint(w, `<form action="/sso/oauth/authorize/decision"><input type="hidden" name="transaction_id" id="tid" value="perm-1"></form>`)
		}
	})
	mux.HandleFunc("/sso/oauth/authorize/decision", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("transaction_id") != "perm-1" {
			http.Error(w, "bad transaction", http.StatusBadRequest)
			return
		}
		w.Header().Set("Location", "https://callback.example/cb?code=consent-1")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/sso/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.exchanges.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["grant_type"] != "refresh_token" || !f.refreshOK {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
		} else {
			r.ParseForm()
			if r.PostForm.Get("code") != "consent-1" || r.PostForm.Get("client_secret") != "cs" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
		}
		f.tokenSerial++
		f.validToken = fmt.Sprintf("at-%d", f.tokenSerial)
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  f.validToken,
			"refresh_token": fmt.Sprintf("rt-%d", f.tokenSerial),
		})
	})

	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			ok := f.validToken != "" && r.Header.Get("Authorization") == "Bearer "+f.validToken
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	ok := func(w http.ResponseWriter, d any) {
		json.NewEncoder(w).Encode(map[string]any{"s": "ok", "d": d})
	}

	mux.HandleFunc("/accounts", authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		var d []map[string]string
		for _, id := range f.accounts {
			d = append(d, map[string]string{"id": id})
		}
		f.mu.Unlock()
		ok(w, d)
	}))
	mux.HandleFunc("/accounts/ACC1/state", authed(func(w http.ResponseWriter, r *http.Request) {
		f.stateCalls.Add(1)
		ok(w, map[string]any{
			"balance": 1000000,
			"amData":  [][][]float64{{{0}}, {{200000}}, {{500000}}},
		})
	}))
	mux.HandleFunc("/accounts/ACC1/positions", authed(func(w http.ResponseWriter, r *http.Request) {
		ok(w, []map[string]any{{
			"instrument":   "AAA",
			"qty":          100,
			"avgPrice":     10000,
			"unrealizedPl": 200000,
			"customFields": []map[string]any{{"id": "1000", "value": 20}, {"id": "2000", "value": 99}},
		}})
	}))
	mux.HandleFunc("/accounts/ACC1/ordersHistory", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("maxCount") != "200" {
			http.Error(w, "maxCount", http.StatusBadRequest)
			return
		}
		ok(w, []map[string]any{
			{"id": "1", "instrument": "AAA", "qty": 100, "side": "buy", "type": "limit", "status": "filled",
				"avgPrice": 10000, "limitPrice": 10000, "lastModified": hcmTime(10, 0, 30).Unix()},
			{"id": "2", "instrument": "BBB", "qty": 50, "side": "sell", "type": "limit", "status": "cancelled",
				"avgPrice": 0, "limitPrice": 20000, "lastModified": hcmTime(9, 23, 30).Unix()},
			{"id": "3", "instrument": "CCC", "qty": 10, "side": "buy", "type": "market", "status": "working",
				"avgPrice": 0, "lastModified": hcmTime(10, 14, 0).Unix()},
		})
	}))
	mux.HandleFunc("/accounts/ACC1/orders", authed(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.mu.Lock()
		f.placed = map[string]string{}
		for k := range r.PostForm {
			f.placed[k] = r.PostForm.Get(k)
		}
		f.mu.Unlock()
		if r.PostForm.Get("instrument") == "BAD" {
			json.NewEncoder(w).Encode(map[string]any{"s": "error", "errmsg": "insufficient buying power"})
			return
		}
		ok(w, map[string]any{"orderid": 9001})
	}))
	mux.HandleFunc("/accounts/ACC1/orders/", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if strings.TrimPrefix(r.URL.Path, "/accounts/ACC1/orders/") != "9001" {
			json.NewEncoder(w).Encode(map[string]any{"s": "error", "errmsg": "order not found"})
			return
		}
		ok(w, nil)
	}))

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *bscFake) lastPlaced() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed
}

func (f *bscFake) setRefreshOK(ok bool) {
	f.mu.Lock()
	f.refreshOK = ok
	f.mu.Unlock()
}

func (f *bscFake) config() AccountConfig {
	return AccountConfig{
		Brokerage:        "BSC",
		Username:         bscTestUser,
		Password:         bscTestPassword,
		PIN:              bscTestPIN,
		TradingAccountID: "ACC1",
		BaseURL:          f.srv.URL,
		ClientID:         "cid",
		ClientSecret:     "cs",
		URLCallback:      "https://callback.example/cb",
	}
}

func newTestBSC(t *testing.T, f *bscFake, tokens *memTokenStore) *BSCBroker {
	t.Helper()
	deps := testDeps(f.srv.Client())
	if tokens != nil {
		deps.TokenStore = tokens
	}
	b, err := NewBSCBroker(f.config(), deps)
	if err != nil {
		t.Fatalf("NewBSCBroker: %v", err)
	}
	return b
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBSCServers(t *testing.T) {
	tests := []struct {
		mode, base   string
		sso, trading string
	}{
		{"prod", "", "https://api.bsc.com.vn/sso", "https://api.bsc.com.vn"},
		{"uat", "", "https://apiuat.bsc.com.vn/sso", "https://apiuat.bsc.com.vn/trading"},
		{"", "http://localhost:9/", "http://localhost:9/sso", "http://localhost:9"},
	}
	for _, tt := range tests {
		sso, trading := bscServers(tt.mode, tt.base)
		if sso != tt.sso || trading != tt.trading {
			t.Errorf("bscServers(%q, %q) = (%q, %q), want (%q, %q)", tt.mode, tt.base, sso, trading, tt.sso, tt.trading)
		}
	}
}

func TestConsentCode(t *testing.T) {
	if got := consentCode("https://cb.example/x?code=abc&state=1"); got != "abc" {
		t.Errorf("consentCode() = %q, want abc", got)
	}
	if got := consentCode("/cb?foo=bar=xyz"); got != "xyz" {
		t.Errorf("consentCode() fallback = %q, want xyz", got)
	}
	if got := consentCode(""); got != "" {
		t.Errorf("consentCode(\"\") = %q", got)
	}
}

func TestBSCLoginPersistsTokens(t *testing.T) {
	f := newBSCFake(t)
	tokens := newMemTokenStore()
	b := newTestBSC(t, f, tokens)

	if err := b.Login(context.Background(), false); err != nil {
		t.Fatalf("Login: %v", err)
	}
	st := b.Session().State()
	if st.AccessToken != "at-1" || st.RefreshToken != "rt-1" {
		t.Errorf("session state = %+v", st)
	}
	rec := tokens.lastPut()
	if !rec.Valid || rec.AccessToken != "at-1" || strings.Join(rec.AccountIDs, ",") != "ACC1,ACC2" {
		t.Errorf("persisted record = %+v", rec)
	}
}

func TestBSCLoginInvalidCredentials(t *testing.T) {
	f := newBSCFake(t)
	cfg := f.config()
	cfg.Password = "wrong"
	b, err := NewBSCBroker(cfg, testDeps(f.srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Login(context.Background(), false); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Errorf("Login error = %v, want ErrInvalidCredentials", err)
	}
}

func TestBSCLoginInvalidOTP(t *testing.T) {
	f := newBSCFake(t)
	cfg := f.config()
	cfg.PIN = "000000"
	b, err := NewBSCBroker(cfg, testDeps(f.srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Login(context.Background(), false); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Errorf("Login error = %v, want ErrInvalidCredentials", err)
	}
}

func TestBSCLoginPromptsForOTP(t *testing.T) {
	f := newBSCFake(t)
	cfg := f.config()
	cfg.PIN = ""
	deps := testDeps(f.srv.Client())
	prompts := 0
	deps.Prompt = func(context.Context, string) (string, error) {
		prompts++
		return bscTestPIN, nil
	}
	b, err := NewBSCBroker(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Login(context.Background(), false); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if prompts != 1 {
		t.Errorf("prompts = %d, want 1", prompts)
	}
}

func TestBSCLoginInvalidAccountIdentity(t *testing.T) {
	f := newBSCFake(t)
	f.mu.Lock()
	f.accounts = []string{"OTHER"}
	f.mu.Unlock()
	b := newTestBSC(t, f, nil)
	if err := b.Login(context.Background(), false); !errors.Is(err, domain.ErrInvalidAccountIdentity) {
		t.Errorf("Login error = %v, want ErrInvalidAccountIdentity", err)
	}
}

func TestBSCSeedsFromStoreAndReloginsOnExpiry(t *testing.T) {
	f := newBSCFake(t)
	tokens := newMemTokenStore()
	tokens.Put(context.Background(), store.TokenRecord{
		Login:        bscTestUser,
		AccountIDs:   []string{"ACC1"},
		AccessToken:  "stale",
		RefreshToken: "rt-old",
		Valid:        true,
	})

	b := newTestBSC(t, f, tokens)
	if got := b.Session().State().AccessToken; got != "stale" {
		t.Fatalf("seeded token = %q, want stale", got)
	}

	p, err := b.GetCurrentPortfolio(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentPortfolio: %v", err)
	}
	if got := f.exchanges.Load(); got != 1 {
		t.Errorf("token exchanges = %d, want exactly one re-login", got)
	}
	if !approx(p.TotalAssets(), 2900) {
		t.Errorf("TotalAssets = %v, want 2900", p.TotalAssets())
	}
}

func TestBSCPortfolio(t *testing.T) {
	f := newBSCFake(t)
	b := newTestBSC(t, f, nil)
	if err := b.Login(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	p, err := b.GetCurrentPortfolio(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentPortfolio: %v", err)
	}
	if !approx(p.AvailableCash, 1000) || !approx(p.TotalCash, 1500) || !approx(p.TotalLoan, 200) {
		t.Errorf("cash = (avail %v, total %v, loan %v), want (1000, 1500, 200)", p.AvailableCash, p.TotalCash, p.TotalLoan)
	}
	a, ok := p.Allocation("AAA")
	if !ok {
		t.Fatal("AAA allocation missing")
	}
	// qty 100 + 20 pending settlement; value = unrealized 200 + 120 * 10.
	if a.Quantity != 120 || a.AvailableQuantity != 100 || !approx(a.AvgBuyPrice, 10) || !approx(a.CurrentValue, 1400) {
		t.Errorf("allocation = %+v", a)
	}
	if !approx(p.TotalAssets(), 2900) {
		t.Errorf("TotalAssets = %v, want 2900", p.TotalAssets())
	}
}

func TestBSCPortfolioCached(t *testing.T) {
	f := newBSCFake(t)
	b := newTestBSC(t, f, nil)
	if err := b.Login(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	first, err := b.GetCurrentPortfolio(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	first.StockAllocations[0].Quantity = -1 // must not leak into the cache
	second, err := b.GetCurrentPortfolio(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := f.stateCalls.Load(); got != 1 {
		t.Errorf("state calls = %d, want 1", got)
	}
	if second.StockAllocations[0].Quantity != 120 {
		t.Errorf("cached allocation mutated: %+v", second.StockAllocations[0])
	}
}

func TestBSCOrdersDateBoundary(t *testing.T) {
	f := newBSCFake(t)
	b := newTestBSC(t, f, nil)
	if err := b.Login(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	orders, err := b.GetCurrentOrders(context.Background(), mustDate(t, "2024-01-10"))
	if err != nil {
		t.Fatalf("GetCurrentOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2 (the 2024-01-09 record excluded): %+v", len(orders), orders)
	}

	matched := orders[0]
	if matched.ID != "1" || matched.Status != domain.OrderStatusMatched || matched.MatchedQuantity != 100 {
		t.Errorf("matched order = %+v", matched)
	}
	if matched.MatchedAt == nil || !matched.MatchedAt.Equal(hcmTime(10, 0, 30)) {
		t.Errorf("MatchedAt = %v", matched.MatchedAt)
	}
	if !approx(matched.PortfolioProportion, 100*10/2900.0) {
		t.Errorf("PortfolioProportion = %v, want %v", matched.PortfolioProportion, 100*10/2900.0)
	}
	if matched.OrderType != domain.OrderTypeLO || matched.Price != 10 {
		t.Errorf("order type/price = %s/%v", matched.OrderType, matched.Price)
	}

	unknown := orders[1]
	if unknown.Status != domain.OrderStatusPlacing || unknown.ExecutionKind != domain.ExecutionMarket {
		t.Errorf("unknown-status order = %+v", unknown)
	}
	for _, o := range orders {
		if err := o.Validate(); err != nil {
			t.Errorf("Validate(%s): %v", o.ID, err)
		}
	}
	if got := f.stateCalls.Load(); got != 1 {
		t.Errorf("portfolio fetched %d times for one batch, want 1", got)
	}
}

func TestBSCPlaceOrder(t *testing.T) {
	f := newBSCFake(t)
	b := newTestBSC(t, f, nil)
	if err := b.Login(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	order := domain.NewOrder("ACC1", "AAA", domain.TradeTypeBuy, domain.OrderTypeLO, 100, 25.5)
	placed, err := b.PlaceOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if placed.ID != "9001" || placed.Status != domain.OrderStatusPlacing {
		t.Errorf("placed = %+v", placed)
	}
	sent := f.lastPlaced()
	if sent["limitPrice"] != "25500" || sent["type"] != "limit" || sent["side"] != "buy" || sent["qty"] != "100" {
		t.Errorf("sent form = %v", sent)
	}
	if order.ID != "" {
		t.Error("PlaceOrder mutated the caller's order")
	}
}

func TestBSCPlaceOrderRejectedIsData(t *testing.T) {
	f := newBSCFake(t)
	b := newTestBSC(t, f, nil)
	if err := b.Login(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	placed, err := b.PlaceOrder(context.Background(), domain.NewOrder("ACC1", "BAD", domain.TradeTypeBuy, domain.OrderTypeLO, 1, 1))
	if err != nil {
		t.Fatalf("PlaceOrder returned error for a business rejection: %v", err)
	}
	if placed.Status != domain.OrderStatusRejected || placed.ID != "" {
		t.Errorf("placed = %+v, want rejected with empty id", placed)
	}
	if placed.RejectReason != "insufficient buying power" {
		t.Errorf("RejectReason = %q", placed.RejectReason)
	}
}

func TestBSCCancelOrder(t *testing.T) {
	f := newBSCFake(t)
	b := newTestBSC(t, f, nil)
	if err := b.Login(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	ok, err := b.CancelOrder(context.Background(), &domain.Order{ID: "9001"})
	if err != nil || !ok {
		t.Errorf("CancelOrder(9001) = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = b.CancelOrder(context.Background(), &domain.Order{ID: "404"})
	if err != nil || ok {
		t.Errorf("CancelOrder(404) = (%v, %v), want (false, nil)", ok, err)
	}
	if _, err := b.CancelOrder(context.Background(), &domain.Order{}); err == nil {
		t.Error("CancelOrder without id should fail")
	}
}

func TestBSCRefreshAccessToken(t *testing.T) {
	f := newBSCFake(t)
	tokens := newMemTokenStore()
	b := newTestBSC(t, f, tokens)
	if err := b.Login(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	f.setRefreshOK(true)
	if err := b.RefreshAccessToken(context.Background()); err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if got := b.Session().State().AccessToken; got != "at-2" {
		t.Errorf("access token = %q, want at-2", got)
	}
	if rec := tokens.lastPut(); !rec.Valid || rec.AccessToken != "at-2" {
		t.Errorf("persisted = %+v", rec)
	}
}

func TestBSCRefreshFailureMarksInvalid(t *testing.T) {
	f := newBSCFake(t)
	tokens := newMemTokenStore()
	b := newTestBSC(t, f, tokens)
	if err := b.Login(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	f.setRefreshOK(false)
	if err := b.RefreshAccessToken(context.Background()); err == nil {
		t.Fatal("RefreshAccessToken should fail")
	}
	rec := tokens.lastPut()
	if rec.Valid || len(rec.AccountIDs) != 0 {
		t.Errorf("last put = %+v, want an invalidation of the whole login", rec)
	}
	if _, err := tokens.Latest(context.Background(), bscTestUser); err == nil {
		t.Error("invalidated token still returned by Latest")
	}
}
