// Package tradegate is the public entry point: it builds brokerage accounts
// from a configuration and exposes them through one uniform contract.
package tradegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/cache"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/engine"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

// Canonical types shared by every backend.
type (
	Account         = broker.Broker
	Order           = domain.Order
	Portfolio       = domain.Portfolio
	StockAllocation = domain.StockAllocation
	OTPPrompter     = broker.OTPPrompter
	Placement       = engine.Placement
	Result          = engine.Result
)

// Sentinel errors callers can match with errors.Is.
var (
	ErrInvalidCredentials     = domain.ErrInvalidCredentials
	ErrInvalidAccountIdentity = domain.ErrInvalidAccountIdentity
	ErrUnsupportedBrokerage   = domain.ErrUnsupportedBrokerage
	ErrSessionExpired         = domain.ErrSessionExpired
	ErrRequestFailed          = domain.ErrRequestFailed
	ErrUnknownAccount         = errors.New("unknown account")
)

// Client owns the shared resources of all configured accounts: the HTTP
// client, token store, result cache and journal.
type Client struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *broker.Registry
	deps     broker.Deps
	tokens   store.TokenStoreCloser
	journal  store.Journal
	engine   *engine.Engine

	mu       sync.Mutex
	accounts map[string]broker.Broker
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default is built from the logging config.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithPrompt sets the OTP/PIN prompt used by interactive logins.
func WithPrompt(p OTPPrompter) Option {
	return func(c *Client) { c.deps.Prompt = p }
}

// WithHTTPClient replaces the vendor HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.deps.HTTPClient = hc }
}

// WithTokenStore replaces the configured token store.
func WithTokenStore(ts store.TokenStoreCloser) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithRegistry replaces the default brokerage registry.
func WithRegistry(r *broker.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// New builds a Client from cfg. The token store is opened immediately;
// accounts are built lazily and never contact the vendor until used.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:      cfg,
		accounts: make(map[string]broker.Broker),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	}
	if c.registry == nil {
		c.registry = broker.DefaultRegistry()
	}
	if c.deps.HTTPClient == nil {
		c.deps.HTTPClient = &http.Client{Timeout: cfg.HTTP.Timeout}
	}
	if c.tokens == nil {
		ts, err := store.OpenTokenStore(ctx, cfg.Storage.TokenDriver, cfg.Storage.TokenDSN)
		if err != nil {
			return nil, fmt.Errorf("opening token store: %w", err)
		}
		c.tokens = ts
	}

	c.deps.TokenStore = c.tokens
	c.deps.Logger = c.log
	c.deps.Cache = cache.New(cfg.Cache.TTL, cfg.Cache.MaxEntries, nil)
	c.deps.RateLimiter = util.NewRateLimiter(cfg.HTTP.RateLimitPerMin)
	c.deps.RetryAttempts = cfg.HTTP.RetryAttempts
	c.deps.RetryBaseDelay = cfg.HTTP.RetryBaseDelay

	var engineOpts []engine.Option
	if cfg.Storage.JournalDir != "" {
		c.journal = store.NewParquetJournal(cfg.Storage.JournalDir)
		engineOpts = append(engineOpts, engine.WithJournal(c.journal))
	}
	if cfg.Trading.MaxPositionPct > 0 || cfg.Trading.MaxOrderValue > 0 {
		engineOpts = append(engineOpts, engine.WithRiskManager(
			engine.NewRiskManager(cfg.Trading.MaxPositionPct, cfg.Trading.MaxOrderValue)))
	}
	c.engine = engine.NewEngine(c.log, engineOpts...)
	return c, nil
}

// Open loads the configuration file at path and builds a Client.
func Open(ctx context.Context, path string, opts ...Option) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// Close releases the token store.
func (c *Client) Close() error {
	if c.tokens == nil {
		return nil
	}
	return c.tokens.Close()
}

// Brokerages lists the supported brokerage tags.
func (c *Client) Brokerages() []string {
	return c.registry.List()
}

// AccountNames lists the configured account names, sorted.
func (c *Client) AccountNames() []string {
	names := make([]string, 0, len(c.cfg.Accounts))
	for _, a := range c.cfg.Accounts {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}

// Account returns the backend for the named account. Repeated calls return
// the same instance so that its session is shared.
func (c *Client) Account(name string) (Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.accounts[name]; ok {
		return b, nil
	}
	ac, ok := c.cfg.Account(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownAccount)
	}
	b, err := c.registry.New(ac.Brokerage, c.accountConfig(ac), c.deps)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", name, err)
	}
	c.accounts[name] = b
	return b, nil
}

func (c *Client) accountConfig(a config.Account) broker.AccountConfig {
	return broker.AccountConfig{
		Name:             a.Name,
		Brokerage:        a.Brokerage,
		Username:         a.Username,
		Password:         a.Password,
		PIN:              a.PIN,
		TradingAccountID: a.TradingAccountID,
		Mode:             a.Mode,
		BaseURL:          a.BaseURL,
		ClientID:         c.cfg.BSC.ClientID,
		ClientSecret:     c.cfg.BSC.ClientSecret,
		URLCallback:      c.cfg.BSC.URLCallback,
		APIKey:           a.APIKey,
		APISecret:        a.APISecret,
		InitialCash:      a.InitialCash,
	}
}

// PlaceBatch places orders across accounts concurrently. See
// engine.Engine.PlaceBatch.
func (c *Client) PlaceBatch(ctx context.Context, batch []Placement) []Result {
	return c.engine.PlaceBatch(ctx, batch)
}

// Snapshot records the portfolio and the orders since start of every named
// account in the journal, or just logs them when no journal is configured.
func (c *Client) Snapshot(ctx context.Context, start time.Time, names ...string) error {
	accounts := make([]broker.Broker, 0, len(names))
	for _, name := range names {
		b, err := c.Account(name)
		if err != nil {
			return err
		}
		accounts = append(accounts, b)
	}
	return c.engine.Snapshot(ctx, accounts, start)
}

// RefreshAccessToken refreshes the named account's token when its backend
// supports refresh.
func (c *Client) RefreshAccessToken(ctx context.Context, name string) error {
	b, err := c.Account(name)
	if err != nil {
		return err
	}
	r, ok := b.(broker.TokenRefresher)
	if !ok {
		return fmt.Errorf("%s accounts cannot refresh tokens: %w", b.Name(), ErrUnsupportedBrokerage)
	}
	return r.RefreshAccessToken(ctx)
}
