package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, OracleStatic, cfg.Oracle.Kind)
	assert.Equal(t, 5, cfg.Trade.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Trade.MinBackoff)
	assert.Equal(t, 500*time.Millisecond, cfg.Trade.MaxBackoff)
	assert.Equal(t, 3*time.Second, cfg.Trade.PriceTimeout)
	assert.True(t, cfg.Oracle.StaticPrices["AAPL"].Equal(decimal.RequireFromString("190")))
	assert.True(t, cfg.Limits.MaxSymbolNotional.IsZero())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: sqlite
  path: /tmp/ledger.db
oracle:
  kind: chart
  base_url: http://quotes.local/chart/
  aliases:
    us_bond: ^TNX
trade:
  price_timeout: 1500ms
  max_attempts: 3
limits:
  max_symbol_notional: "2500.50"
  max_asset_class_notional: 10000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, ":9090", cfg.Server.Addr())
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/ledger.db", cfg.Database.Path)
	assert.Equal(t, OracleChart, cfg.Oracle.Kind)
	assert.Equal(t, "^TNX", cfg.Oracle.Aliases["US_BOND"])
	assert.Equal(t, 1500*time.Millisecond, cfg.Trade.PriceTimeout)
	assert.Equal(t, 3, cfg.Trade.MaxAttempts)
	assert.Equal(t, "2500.5", cfg.Limits.MaxSymbolNotional.String())
	assert.Equal(t, "10000", cfg.Limits.MaxAssetClassNotional.String())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  path: /tmp/ledger.db
`)
	t.Setenv("PORTFOLIO_DATABASE_DRIVER", "postgres")
	t.Setenv("PORTFOLIO_DATABASE_URL", "postgres://localhost/portfolio")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/portfolio", cfg.Database.URL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 0
database:
  driver: postgres
oracle:
  kind: carrier-pigeon
trade:
  max_attempts: 0
  min_backoff: 1s
  max_backoff: 10ms
logging:
  level: loud
`)

	_, err := Load(path)
	require.Error(t, err)

	errs := multierr.Errors(err)
	assert.Len(t, errs, 6)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "database.url")
	assert.Contains(t, err.Error(), "oracle.kind")
	assert.Contains(t, err.Error(), "max_attempts")
	assert.Contains(t, err.Error(), "backoff")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_RejectsNonPositiveStaticPrice(t *testing.T) {
	path := writeConfig(t, `
oracle:
  static_prices:
    aapl: "0"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle.static_prices.AAPL")
}
