package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Oracle kinds.
const (
	OracleStatic = "static"
	OracleChart  = "chart"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Trade    TradeConfig    `mapstructure:"trade"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// DatabaseConfig selects and configures the ledger store.
type DatabaseConfig struct {
	Driver       string        `mapstructure:"driver"`
	URL          string        `mapstructure:"url"`  // postgres
	Path         string        `mapstructure:"path"` // sqlite
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// OracleConfig selects the price source.
type OracleConfig struct {
	Kind         string                     `mapstructure:"kind"`
	BaseURL      string                     `mapstructure:"base_url"`
	Timeout      time.Duration              `mapstructure:"timeout"`
	CacheTTL     time.Duration              `mapstructure:"cache_ttl"`
	StaticPrices map[string]decimal.Decimal `mapstructure:"static_prices"`
	Aliases      map[string]string          `mapstructure:"aliases"`
}

// TradeConfig tunes the execution engine.
type TradeConfig struct {
	PriceTimeout    time.Duration `mapstructure:"price_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	MinBackoff      time.Duration `mapstructure:"min_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	RestrictSymbols bool          `mapstructure:"restrict_symbols"`
}

// LimitsConfig sets optional exposure caps. Zero disables a cap.
type LimitsConfig struct {
	MaxSymbolNotional     decimal.Decimal `mapstructure:"max_symbol_notional"`
	MaxAssetClassNotional decimal.Decimal `mapstructure:"max_asset_class_notional"`
}

// LoggingConfig controls zap output.
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// normalize upper-cases symbol keys; viper lower-cases all map keys.
func (c *Config) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Oracle.Kind = strings.ToLower(strings.TrimSpace(c.Oracle.Kind))

	prices := make(map[string]decimal.Decimal, len(c.Oracle.StaticPrices))
	for sym, p := range c.Oracle.StaticPrices {
		prices[strings.ToUpper(sym)] = p
	}
	c.Oracle.StaticPrices = prices

	aliases := make(map[string]string, len(c.Oracle.Aliases))
	for sym, feed := range c.Oracle.Aliases {
		aliases[strings.ToUpper(sym)] = feed
	}
	c.Oracle.Aliases = aliases
}

// Validate checks every section and returns all problems at once.
func (c *Config) Validate() error {
	var err error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.shutdown_timeout must be positive"))
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			err = multierr.Append(err, errors.New("database.url is required for postgres"))
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			err = multierr.Append(err, errors.New("database.path is required for sqlite"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("database.driver %q is not one of memory, postgres, sqlite", c.Database.Driver))
	}
	if c.Database.MaxOpenConns < 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns must not be negative"))
	}

	if c.Redis.URL != "" && c.Redis.TTL <= 0 {
		err = multierr.Append(err, errors.New("redis.ttl must be positive when redis.url is set"))
	}

	switch c.Oracle.Kind {
	case OracleStatic, OracleChart:
	default:
		err = multierr.Append(err, fmt.Errorf("oracle.kind %q is not one of static, chart", c.Oracle.Kind))
	}
	if c.Oracle.Timeout <= 0 {
		err = multierr.Append(err, errors.New("oracle.timeout must be positive"))
	}
	for sym, p := range c.Oracle.StaticPrices {
		if !p.IsPositive() {
			err = multierr.Append(err, fmt.Errorf("oracle.static_prices.%s must be positive", sym))
		}
	}

	if c.Trade.PriceTimeout <= 0 {
		err = multierr.Append(err, errors.New("trade.price_timeout must be positive"))
	}
	if c.Trade.MaxAttempts < 1 {
		err = multierr.Append(err, errors.New("trade.max_attempts must be at least 1"))
	}
	if c.Trade.MinBackoff < 0 || c.Trade.MaxBackoff < c.Trade.MinBackoff {
		err = multierr.Append(err, errors.New("trade backoff must satisfy 0 <= min_backoff <= max_backoff"))
	}

	if c.Limits.MaxSymbolNotional.IsNegative() {
		err = multierr.Append(err, errors.New("limits.max_symbol_notional must not be negative"))
	}
	if c.Limits.MaxAssetClassNotional.IsNegative() {
		err = multierr.Append(err, errors.New("limits.max_asset_class_notional must not be negative"))
	}

	var lvl zapcore.Level
	if e := lvl.Set(strings.ToLower(c.Logging.Level)); e != nil {
		err = multierr.Append(err, fmt.Errorf("logging.level: %w", e))
	}
	if c.Logging.Encoding != "json" && c.Logging.Encoding != "console" {
		err = multierr.Append(err, fmt.Errorf("logging.encoding %q is not one of json, console", c.Logging.Encoding))
	}

	return err
}
