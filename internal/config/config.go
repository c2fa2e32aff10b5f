// Package config loads the service configuration from an optional YAML file
// and PORTFOLIO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultConfigName = "config"
	envPrefix         = "portfolio"
)

// Load reads the configuration. With an empty path, config.yaml is searched
// in ./configs and the working directory and may be absent; an explicit
// path must exist. Environment variables override file values, e.g.
// PORTFOLIO_DATABASE_DRIVER=sqlite.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "data/portfolio.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.busy_timeout", "5s")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("oracle.kind", OracleStatic)
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.timeout", "3s")
	v.SetDefault("oracle.cache_ttl", "5s")
	v.SetDefault("oracle.static_prices", map[string]string{
		"AAPL":    "190.00",
		"AMZN":    "180.00",
		"NVDA":    "120.00",
		"US_BOND": "98.50",
		"CA_BOND": "97.25",
	})
	v.SetDefault("oracle.aliases", map[string]string{})

	v.SetDefault("trade.price_timeout", "3s")
	v.SetDefault("trade.max_attempts", 5)
	v.SetDefault("trade.min_backoff", "10ms")
	v.SetDefault("trade.max_backoff", "500ms")
	v.SetDefault("trade.restrict_symbols", false)

	v.SetDefault("limits.max_symbol_notional", "0")
	v.SetDefault("limits.max_asset_class_notional", "0")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHook(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHook decodes money values. Strings are preferred in files
// since YAML floats lose precision.
func stringToDecimalHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(s)
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		}
		return data, nil
	}
}
