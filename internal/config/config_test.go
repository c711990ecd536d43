package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/flowtrade/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
broker:
  name: dbsec
  markets:
    TQQQ: FN
    SOXL: FN
data:
  ledger_dir: /var/lib/flowtrade
reconciler:
  tick_ms: 1000
  buy_flow_ms: 60000
  cancel_recheck_ms: 1500
  spread_limit_pct: 0.03
  probe_symbol: TQQQ
logging:
  level: debug
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dbsec", cfg.Broker.Name)
	assert.Equal(t, "FN", cfg.Broker.Markets["TQQQ"])
	assert.Equal(t, "/var/lib/flowtrade", cfg.Data.LedgerDir)
	assert.Equal(t, "trades.db", cfg.Data.HistoryDB, "default applied")
	assert.Equal(t, "db_token.json", cfg.Data.TokenFile, "default applied")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 0.03, cfg.Reconciler.SpreadLimitPct)
	assert.Equal(t, "TQQQ", cfg.Reconciler.ProbeSymbol)

	tick, buyFlow, marketPoll, cancelRecheck, retry := cfg.Durations()
	assert.Equal(t, time.Second, tick)
	assert.Equal(t, time.Minute, buyFlow)
	assert.Zero(t, marketPoll, "unset tunables stay zero for downstream defaults")
	assert.Equal(t, 1500*time.Millisecond, cancelRecheck)
	assert.Zero(t, retry)
}

func TestLoadRequiresBrokerName(t *testing.T) {
	path := writeConfig(t, `
broker:
  markets:
    TQQQ: FN
`)

	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.name")
}

func TestLoadRequiresMarkets(t *testing.T) {
	path := writeConfig(t, `
broker:
  name: upbit
`)

	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.markets")
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv("DB_APP_KEY", "app-key")
	t.Setenv("DB_APP_SECRET", "app-secret")

	creds, err := config.CredentialsFromEnv("dbsec")
	require.NoError(t, err)
	assert.Equal(t, "app-key", creds.AccessKey)
	assert.Equal(t, "app-secret", creds.SecretKey)
}

func TestCredentialsFromEnvMissingSecret(t *testing.T) {
	t.Setenv("DB_APP_KEY", "app-key")
	t.Setenv("DB_APP_SECRET", "")

	_, err := config.CredentialsFromEnv("dbsec")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_APP_SECRET")
}

func TestCredentialsFromEnvUnknownBroker(t *testing.T) {
	_, err := config.CredentialsFromEnv("kraken")
	require.Error(t, err)
}
