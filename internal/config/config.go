// Package config defines the server configuration, its defaults, and
// validation. Values come from an optional TOML file, a .env file and
// LEDGER_* environment variables, in that order of precedence (lowest first).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/ledger"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Token    TokenConfig    `toml:"token"`
	LogLevel string         `toml:"log_level"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RequestTimeout  Duration `toml:"request_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// LedgerConfig holds the market economics. Amounts are whole-unit decimal
// strings ("100", "0.5"); accounts are 0x-prefixed hex addresses.
type LedgerConfig struct {
	Liquidity       string `toml:"liquidity"`
	InitialPool     string `toml:"initial_pool"`
	CreationFee     string `toml:"creation_fee"`
	FeeCollector    string `toml:"fee_collector"`
	DefaultResolver string `toml:"default_resolver"`
	Escrow          string `toml:"escrow"`
}

// PostgresConfig enables the PostgreSQL journal when URL is set.
type PostgresConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and the event bus when URL is
// set.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL Duration `toml:"cache_ttl"`
	Channel  string   `toml:"channel"`
	Stream   string   `toml:"stream"`
}

// S3Config enables the settlement archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TokenConfig configures the in-process token. The faucet mints to any
// account that asks and is meant for development only.
type TokenConfig struct {
	Symbol       string `toml:"symbol"`
	Faucet       bool   `toml:"faucet"`
	FaucetAmount string `toml:"faucet_amount"`
}

// Duration is a time.Duration that decodes from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs a self-contained development
// server: in-memory journal, no cache, no archive, faucet enabled.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			RequestTimeout:  Duration{30 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Ledger: LedgerConfig{
			Liquidity:    "100",
			InitialPool:  "10",
			CreationFee:  "10",
			FeeCollector: "0x0000000000000000000000000000000000000FEE",
			Escrow:       "0x000000000000000000000000000000000000E5C0",
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: Duration{30 * time.Second},
			Channel:  "ledger:events",
			Stream:   "ledger:events:stream",
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "prediction-ledger",
			Prefix:         "settlements",
			ForcePathStyle: true,
		},
		Token: TokenConfig{
			Symbol:       "BDAG",
			Faucet:       true,
			FaucetAmount: "1000",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}

	if _, err := c.Ledger.Params(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Postgres.URL != "" && c.Postgres.MaxConns < 1 {
		errs = append(errs, "postgres: max_conns must be >= 1")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if c.Token.Symbol == "" {
		errs = append(errs, "token: symbol must not be empty")
	}
	if c.Token.Faucet {
		if _, err := fixed.Parse(c.Token.FaucetAmount); err != nil {
			errs = append(errs, fmt.Sprintf("token: faucet_amount: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Params converts the ledger section into ledger.Config.
func (lc LedgerConfig) Params() (ledger.Config, error) {
	var (
		cfg ledger.Config
		err error
	)
	if cfg.Liquidity, err = parseAmount("liquidity", lc.Liquidity); err != nil {
		return cfg, err
	}
	if cfg.Liquidity.IsZero() {
		return cfg, fmt.Errorf("ledger: liquidity must be positive")
	}
	if cfg.InitialPool, err = parseAmount("initial_pool", lc.InitialPool); err != nil {
		return cfg, err
	}
	if cfg.CreationFee, err = parseAmount("creation_fee", lc.CreationFee); err != nil {
		return cfg, err
	}
	if cfg.FeeCollector, err = parseAddress("fee_collector", lc.FeeCollector); err != nil {
		return cfg, err
	}
	if cfg.DefaultResolver, err = parseAddress("default_resolver", lc.DefaultResolver); err != nil {
		return cfg, err
	}
	if cfg.Escrow, err = parseAddress("escrow", lc.Escrow); err != nil {
		return cfg, err
	}
	if cfg.Escrow == (common.Address{}) {
		return cfg, fmt.Errorf("ledger: escrow must be set")
	}
	if !cfg.CreationFee.IsZero() && cfg.FeeCollector == (common.Address{}) {
		return cfg, fmt.Errorf("ledger: fee_collector is required when creation_fee is set")
	}
	return cfg, nil
}

func parseAmount(field, s string) (fixed.Amount, error) {
	if strings.TrimSpace(s) == "" {
		return fixed.Zero, nil
	}
	a, err := fixed.Parse(s)
	if err != nil {
		return fixed.Zero, fmt.Errorf("ledger: %s: %w", field, err)
	}
	return a, nil
}

// parseAddress accepts an empty string as the zero address.
func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("ledger: %s: %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}
