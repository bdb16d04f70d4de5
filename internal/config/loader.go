package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (if path is non-empty) over the defaults,
// loads .env if present, and applies environment overrides. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Conventional platform variables first so LEDGER_* wins when both are set.
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Postgres.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "LEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEDGER_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.RequestTimeout, "LEDGER_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "LEDGER_SERVER_SHUTDOWN_TIMEOUT")

	// ── Ledger ──
	setStr(&cfg.Ledger.Liquidity, "LEDGER_LIQUIDITY")
	setStr(&cfg.Ledger.InitialPool, "LEDGER_INITIAL_POOL")
	setStr(&cfg.Ledger.CreationFee, "LEDGER_CREATION_FEE")
	setStr(&cfg.Ledger.FeeCollector, "LEDGER_FEE_COLLECTOR")
	setStr(&cfg.Ledger.DefaultResolver, "LEDGER_DEFAULT_RESOLVER")
	setStr(&cfg.Ledger.Escrow, "LEDGER_ESCROW")

	// ── Postgres ──
	setStr(&cfg.Postgres.URL, "LEDGER_POSTGRES_URL")
	setInt(&cfg.Postgres.MaxConns, "LEDGER_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "LEDGER_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "LEDGER_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.Channel, "LEDGER_REDIS_CHANNEL")
	setStr(&cfg.Redis.Stream, "LEDGER_REDIS_STREAM")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LEDGER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEDGER_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "LEDGER_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "LEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEDGER_S3_FORCE_PATH_STYLE")

	// ── Token ──
	setStr(&cfg.Token.Symbol, "LEDGER_TOKEN_SYMBOL")
	setBool(&cfg.Token.Faucet, "LEDGER_TOKEN_FAUCET")
	setStr(&cfg.Token.FaucetAmount, "LEDGER_TOKEN_FAUCET_AMOUNT")

	setStr(&cfg.LogLevel, "LEDGER_LOG_LEVEL")
}

// Each helper only touches dst when the variable is set, non-empty and
// parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
