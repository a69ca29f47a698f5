package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tradegate.
type Config struct {
	Logging  Logging   `yaml:"logging"`
	HTTP     HTTP      `yaml:"http"`
	Cache    Cache     `yaml:"cache"`
	Storage  Storage   `yaml:"storage"`
	BSC      BSC       `yaml:"bsc"`
	Trading  Trading   `yaml:"trading"`
	Accounts []Account `yaml:"accounts"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTP configures the vendor transport shared by all accounts.
type HTTP struct {
	Timeout         time.Duration `yaml:"timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
}

// Cache configures the per-account result cache.
type Cache struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// Storage holds token persistence and journal settings.
type Storage struct {
	TokenDriver string `yaml:"token_driver"` // sqlite or postgres
	TokenDSN    string `yaml:"token_dsn"`
	JournalDir  string `yaml:"journal_dir"` // empty disables the journal
}

// BSC holds the OAuth client registered with BSC.
type BSC struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	URLCallback  string `yaml:"url_callback"`
}

// Trading defines pre-trade risk limits. Zero disables a limit.
type Trading struct {
	MaxPositionPct float64 `yaml:"max_position_pct"`
	MaxOrderValue  float64 `yaml:"max_order_value"`
}

// Account is one configured trading account.
type Account struct {
	Name             string  `yaml:"name"`
	Brokerage        string  `yaml:"brokerage"`
	Username         string  `yaml:"username"`
	Password         string  `yaml:"password"`
	PIN              string  `yaml:"pin"`
	TradingAccountID string  `yaml:"trading_account_id"`
	Mode             string  `yaml:"mode"`
	BaseURL          string  `yaml:"base_url"`
	APIKey           string  `yaml:"api_key"`
	APISecret        string  `yaml:"api_secret"`
	InitialCash      float64 `yaml:"initial_cash"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides. A .env
// file next to the config is loaded first; it never replaces variables
// already set in the environment.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	expandSecrets(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used for fields the file leaves unset.
func Default() *Config {
	return &Config{
		Logging: Logging{Level: "info", Format: "json"},
		HTTP: HTTP{
			Timeout:        30 * time.Second,
			RetryAttempts:  5,
			RetryBaseDelay: 100 * time.Millisecond,
		},
		Cache:   Cache{TTL: 2 * time.Minute, MaxEntries: 1024},
		Storage: Storage{TokenDriver: "sqlite", TokenDSN: "tradegate.db"},
	}
}

// Validate checks that every account is named, uniquely, and has a
// brokerage.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts[%d]: name is required", i)
		}
		if a.Brokerage == "" {
			return fmt.Errorf("account %q: brokerage is required", a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("account %q defined twice", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// Account returns the account with the given name.
func (c *Config) Account(name string) (Account, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return Account{}, false
}

// expand replaces ${VAR} references with environment values.
func expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

// expandSecrets resolves ${VAR} references in credential fields so that the
// file itself can be committed without secrets.
func expandSecrets(cfg *Config) {
	cfg.Storage.TokenDSN = expand(cfg.Storage.TokenDSN)
	cfg.BSC.ClientID = expand(cfg.BSC.ClientID)
	cfg.BSC.ClientSecret = expand(cfg.BSC.ClientSecret)
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		a.Username = expand(a.Username)
		a.Password = expand(a.Password)
		a.PIN = expand(a.PIN)
		a.APIKey = expand(a.APIKey)
		a.APISecret = expand(a.APISecret)
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("TOKEN_STORE_DRIVER"); v != "" {
		cfg.Storage.TokenDriver = v
	}
	if v := os.Getenv("TOKEN_STORE_DSN"); v != "" {
		cfg.Storage.TokenDSN = v
	}

	if v := os.Getenv("BSC_CLIENT_ID"); v != "" {
		cfg.BSC.ClientID = v
	}
	if v := os.Getenv("BSC_CLIENT_SECRET"); v != "" {
		cfg.BSC.ClientSecret = v
	}
	if v := os.Getenv("BSC_URL_CALLBACK"); v != "" {
		cfg.BSC.URLCallback = v
	}

	// Standard Alpaca env vars fill ALPACA accounts that carry no keys.
	key, secret := os.Getenv("APCA_API_KEY_ID"), os.Getenv("APCA_API_SECRET_KEY")
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if !strings.EqualFold(a.Brokerage, "ALPACA") {
			continue
		}
		if a.APIKey == "" && key != "" {
			a.APIKey = key
		}
		if a.APISecret == "" && secret != "" {
			a.APISecret = secret
		}
	}
}
