package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradegate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"LOG_LEVEL", "TOKEN_STORE_DRIVER", "TOKEN_STORE_DSN",
		"BSC_CLIENT_ID", "BSC_CLIENT_SECRET", "BSC_URL_CALLBACK",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFull(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
logging:
  level: "debug"
  format: "text"
http:
  timeout: 10s
  retry_attempts: 3
  retry_base_delay: 250ms
  rate_limit_per_min: 120
cache:
  ttl: 30s
  max_entries: 64
storage:
  token_driver: "postgres"
  token_dsn: "postgres://localhost/tradegate"
  journal_dir: "/var/lib/tradegate"
bsc:
  client_id: "cid"
  client_secret: "csecret"
  url_callback: "https://example.com/cb"
trading:
  max_position_pct: 0.1
  max_order_value: 50000000
accounts:
  - name: "main"
    brokerage: "BSC"
    username: "user1"
    password: "pw"
    pin: "123456"
    trading_account_id: "ACC1"
    mode: "uat"
  - name: "paper"
    brokerage: "PAPER"
    initial_cash: 100000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	// -- HTTP --
	if cfg.HTTP.Timeout != 10*time.Second {
		t.Errorf("HTTP.Timeout = %v, want 10s", cfg.HTTP.Timeout)
	}
	if cfg.HTTP.RetryAttempts != 3 || cfg.HTTP.RetryBaseDelay != 250*time.Millisecond || cfg.HTTP.RateLimitPerMin != 120 {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}

	// -- Cache --
	if cfg.Cache.TTL != 30*time.Second || cfg.Cache.MaxEntries != 64 {
		t.Errorf("Cache = %+v", cfg.Cache)
	}

	// -- Storage --
	if cfg.Storage.TokenDriver != "postgres" || cfg.Storage.JournalDir != "/var/lib/tradegate" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}

	// -- BSC --
	if cfg.BSC.ClientID != "cid" || cfg.BSC.URLCallback != "https://example.com/cb" {
		t.Errorf("BSC = %+v", cfg.BSC)
	}

	// -- Trading --
	if cfg.Trading.MaxPositionPct != 0.1 || cfg.Trading.MaxOrderValue != 50000000 {
		t.Errorf("Trading = %+v", cfg.Trading)
	}

	// -- Accounts --
	if len(cfg.Accounts) != 2 {
		t.Fatalf("len(Accounts) = %d, want 2", len(cfg.Accounts))
	}
	main, ok := cfg.Account("main")
	if !ok {
		t.Fatal("Account(main) not found")
	}
	if main.Brokerage != "BSC" || main.TradingAccountID != "ACC1" || main.PIN != "123456" || main.Mode != "uat" {
		t.Errorf("Account(main) = %+v", main)
	}
	paper, _ := cfg.Account("paper")
	if paper.InitialCash != 100000 {
		t.Errorf("Account(paper).InitialCash = %v, want 100000", paper.InitialCash)
	}
	if _, ok := cfg.Account("missing"); ok {
		t.Error("Account(missing) found")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "accounts: []\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want info/json", cfg.Logging)
	}
	if cfg.HTTP.Timeout != 30*time.Second || cfg.HTTP.RetryAttempts != 5 {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Storage.TokenDriver != "sqlite" || cfg.Storage.TokenDSN != "tradegate.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
bsc:
  client_id: "yaml-id"
  client_secret: "yaml-secret"
accounts:
  - name: "us"
    brokerage: "alpaca"
  - name: "us2"
    brokerage: "ALPACA"
    api_key: "yaml-key"
`)
	t.Setenv("BSC_CLIENT_ID", "env-id")
	t.Setenv("TOKEN_STORE_DSN", "/env/tokens.db")
	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("APCA_API_SECRET_KEY", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.BSC.ClientID != "env-id" {
		t.Errorf("BSC.ClientID = %q, want %q (env override)", cfg.BSC.ClientID, "env-id")
	}
	// client_secret should remain from YAML since no env override was set.
	if cfg.BSC.ClientSecret != "yaml-secret" {
		t.Errorf("BSC.ClientSecret = %q, want %q (from YAML)", cfg.BSC.ClientSecret, "yaml-secret")
	}
	if cfg.Storage.TokenDSN != "/env/tokens.db" {
		t.Errorf("Storage.TokenDSN = %q, want %q", cfg.Storage.TokenDSN, "/env/tokens.db")
	}

	us, _ := cfg.Account("us")
	if us.APIKey != "env-key" || us.APISecret != "env-secret" {
		t.Errorf("Account(us) keys = %q/%q, want env keys", us.APIKey, us.APISecret)
	}
	us2, _ := cfg.Account("us2")
	if us2.APIKey != "yaml-key" || us2.APISecret != "env-secret" {
		t.Errorf("Account(us2) keys = %q/%q, want yaml key and env secret", us2.APIKey, us2.APISecret)
	}
}

func TestLoadExpandsSecretsAndDotEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRADEGATE_TEST_PASSWORD", "")
	path := writeConfig(t, `
accounts:
  - name: "cts"
    brokerage: "CTS"
    username: "cust1"
    password: "${TRADEGATE_TEST_PASSWORD}"
    pin: "${TRADEGATE_TEST_PIN}"
`)
	os.Unsetenv("TRADEGATE_TEST_PASSWORD")
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envFile, []byte("TRADEGATE_TEST_PASSWORD=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("writing .env: %v", err)
	}
	t.Setenv("TRADEGATE_TEST_PIN", "999999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	acct, _ := cfg.Account("cts")
	if acct.Password != "from-dotenv" {
		t.Errorf("Password = %q, want value from .env", acct.Password)
	}
	if acct.PIN != "999999" {
		t.Errorf("PIN = %q, want expanded env value", acct.PIN)
	}
}

func TestLoadRejectsInvalidAccounts(t *testing.T) {
	clearEnv(t)
	tests := map[string]string{
		"unnamed":      "accounts:\n  - brokerage: BSC\n",
		"no brokerage": "accounts:\n  - name: a\n",
		"duplicate":    "accounts:\n  - name: a\n    brokerage: BSC\n  - name: a\n    brokerage: CTS\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
