// Package config loads engine configuration from an optional file and
// PMX_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config represents the complete service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Market  MarketConfig  `mapstructure:"market"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig holds persistence configuration. An empty DatabaseURL
// selects the in-memory store; an empty RedisURL disables the cache.
type StoreConfig struct {
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// MarketConfig holds market engine defaults.
type MarketConfig struct {
	StartingBalance      float64       `mapstructure:"starting_balance"`
	InitialPool          float64       `mapstructure:"initial_pool"`
	GaugeRefreshInterval time.Duration `mapstructure:"gauge_refresh_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StartingBalanceDecimal returns the starting balance as a decimal.
func (c MarketConfig) StartingBalanceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.StartingBalance)
}

// InitialPoolDecimal returns the default initial pool as a decimal.
func (c MarketConfig) InitialPoolDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.InitialPool)
}

// Load reads configuration from the given file (optional, "" skips the
// file) and environment variables prefixed with PMX_.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PMX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("store.database_url", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.cache_ttl", "30s")

	v.SetDefault("market.starting_balance", 1000.0)
	v.SetDefault("market.initial_pool", 100.0)
	v.SetDefault("market.gauge_refresh_interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Market.StartingBalance < 0 {
		return fmt.Errorf("market.starting_balance must not be negative")
	}
	if c.Market.InitialPool <= 0 {
		return fmt.Errorf("market.initial_pool must be positive")
	}
	if c.Market.GaugeRefreshInterval < time.Second {
		return fmt.Errorf("market.gauge_refresh_interval must be at least 1s")
	}
	if c.Store.CacheTTL < time.Second {
		return fmt.Errorf("store.cache_ttl must be at least 1s")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}
