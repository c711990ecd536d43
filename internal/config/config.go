package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the operator-facing configuration. Credentials never live here;
// they come from the environment (optionally via a .env file).
type Config struct {
	Broker struct {
		// upbit, binance, dbsec or kis
		Name string `yaml:"name"`
		// symbol to venue market identifier: "KRW-BTC" for Upbit,
		// "BTCUSDT" for Binance, an exchange division code like "FN"
		// for DB-securities, a quote exchange code like "NAS" for KIS
		Markets map[string]string `yaml:"markets"`
		// Binance only: leverage to apply per symbol
		Leverage map[string]int `yaml:"leverage"`
	} `yaml:"broker"`

	Data struct {
		LedgerDir string `yaml:"ledger_dir"`
		HistoryDB string `yaml:"history_db"`
		TokenFile string `yaml:"token_file"`
	} `yaml:"data"`

	Reconciler struct {
		TickMs          int     `yaml:"tick_ms"`
		BuyFlowMs       int     `yaml:"buy_flow_ms"`
		MarketPollMs    int     `yaml:"market_poll_ms"`
		CancelRecheckMs int     `yaml:"cancel_recheck_ms"`
		RetryMs         int     `yaml:"retry_ms"`
		SpreadLimitPct  float64 `yaml:"spread_limit_pct"`
		ProbeSymbol     string  `yaml:"probe_symbol"`
	} `yaml:"reconciler"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Web struct {
		// 0 disables the status server
		Port int `yaml:"port"`
	} `yaml:"web"`
}

// Credentials are the broker API keys, read from the environment.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Load reads the yaml config and pulls a .env file into the environment when
// one exists alongside the process.
func Load(path string) (*Config, error) {
	// Missing .env is fine; real environments set variables directly.
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.Broker.Name == "" {
		return nil, fmt.Errorf("config: broker.name is required")
	}
	if len(cfg.Broker.Markets) == 0 {
		return nil, fmt.Errorf("config: broker.markets is required")
	}
	if cfg.Data.LedgerDir == "" {
		cfg.Data.LedgerDir = "."
	}
	if cfg.Data.HistoryDB == "" {
		cfg.Data.HistoryDB = "trades.db"
	}
	if cfg.Data.TokenFile == "" {
		cfg.Data.TokenFile = "db_token.json"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return &cfg, nil
}

// envKeys maps each broker to the environment variables carrying its keys.
var envKeys = map[string][2]string{
	"upbit":   {"UPBIT_OPEN_API_ACCESS_KEY", "UPBIT_OPEN_API_SECRET_KEY"},
	"binance": {"BINANCE_API_KEY", "BINANCE_API_SECRET"},
	"dbsec":   {"DB_APP_KEY", "DB_APP_SECRET"},
	"kis":     {"KIS_APP_KEY", "KIS_APP_SECRET"},
}

// CredentialsFromEnv reads the API keys for the named broker. Both must be
// present; trading with a half-configured key set fails at the first signed
// call with a far less useful error.
func CredentialsFromEnv(broker string) (Credentials, error) {
	keys, ok := envKeys[broker]
	if !ok {
		return Credentials{}, fmt.Errorf("config: unknown broker %q", broker)
	}
	creds := Credentials{
		AccessKey: os.Getenv(keys[0]),
		SecretKey: os.Getenv(keys[1]),
	}
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return Credentials{}, fmt.Errorf("config: %s and %s must be set for broker %s", keys[0], keys[1], broker)
	}
	return creds, nil
}

// KISAccountFromEnv reads the KIS account number, formatted like
// "12345678-01", from the environment.
func KISAccountFromEnv() (string, error) {
	acct := os.Getenv("KIS_ACCOUNT_NO")
	if acct == "" {
		return "", fmt.Errorf("config: KIS_ACCOUNT_NO must be set for broker kis")
	}
	return acct, nil
}

// Durations converts the millisecond tunables, leaving zero for unset values
// so downstream defaults apply.
func (c *Config) Durations() (tick, buyFlow, marketPoll, cancelRecheck, retry time.Duration) {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return ms(c.Reconciler.TickMs), ms(c.Reconciler.BuyFlowMs), ms(c.Reconciler.MarketPollMs),
		ms(c.Reconciler.CancelRecheckMs), ms(c.Reconciler.RetryMs)
}
