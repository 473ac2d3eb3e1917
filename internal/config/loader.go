package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over Defaults(), then applies
// POLYRESOLVE_* environment overrides. An empty path skips the file. The
// result is not validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose POLYRESOLVE_* variable is set and
// non-empty.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "POLYRESOLVE_MODE")
	setStr(&cfg.LogLevel, "POLYRESOLVE_LOG_LEVEL")
	setStr(&cfg.LogFile.Path, "POLYRESOLVE_LOG_FILE_PATH")

	// ── Store ──
	setStr(&cfg.Store.Driver, "POLYRESOLVE_STORE_DRIVER")
	setStr(&cfg.Store.BadgerDir, "POLYRESOLVE_STORE_BADGER_DIR")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "POLYRESOLVE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POLYRESOLVE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYRESOLVE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYRESOLVE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYRESOLVE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYRESOLVE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYRESOLVE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYRESOLVE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYRESOLVE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYRESOLVE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYRESOLVE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYRESOLVE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYRESOLVE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYRESOLVE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYRESOLVE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYRESOLVE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYRESOLVE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "POLYRESOLVE_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.CacheTTL, "POLYRESOLVE_REDIS_CACHE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYRESOLVE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYRESOLVE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYRESOLVE_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYRESOLVE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYRESOLVE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYRESOLVE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYRESOLVE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYRESOLVE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "POLYRESOLVE_S3_PREFIX")

	// ── Ledger ──
	setStr(&cfg.Ledger.Driver, "POLYRESOLVE_LEDGER_DRIVER")
	setStr(&cfg.Ledger.BaseURL, "POLYRESOLVE_LEDGER_BASE_URL")
	setStr(&cfg.Ledger.APIKey, "POLYRESOLVE_LEDGER_API_KEY")
	setDuration(&cfg.Ledger.Timeout, "POLYRESOLVE_LEDGER_TIMEOUT")
	setInt(&cfg.Ledger.RetryCount, "POLYRESOLVE_LEDGER_RETRY_COUNT")

	// ── Catalog ──
	setStr(&cfg.Catalog.GammaURL, "POLYRESOLVE_CATALOG_GAMMA_URL")
	setInt(&cfg.Catalog.DefaultWindowHours, "POLYRESOLVE_CATALOG_DEFAULT_WINDOW_HOURS")
	setStr(&cfg.Catalog.DefaultBond, "POLYRESOLVE_CATALOG_DEFAULT_BOND")

	// ── Resolution ──
	setDuration(&cfg.Resolution.EscrowTimeout, "POLYRESOLVE_RESOLUTION_ESCROW_TIMEOUT")
	setDuration(&cfg.Resolution.LockTTL, "POLYRESOLVE_RESOLUTION_LOCK_TTL")
	setStringSlice(&cfg.Resolution.Reviewers, "POLYRESOLVE_RESOLUTION_REVIEWERS")

	// ── Sweep ──
	setDuration(&cfg.Sweep.Interval, "POLYRESOLVE_SWEEP_INTERVAL")
	setDuration(&cfg.Sweep.ExpiringWarning, "POLYRESOLVE_SWEEP_EXPIRING_WARNING")

	// ── Attestation ──
	setBool(&cfg.Attestation.Enabled, "POLYRESOLVE_ATTESTATION_ENABLED")
	setStr(&cfg.Attestation.PrivateKey, "POLYRESOLVE_ATTESTATION_PRIVATE_KEY")
	setStr(&cfg.Attestation.EncryptedKeyPath, "POLYRESOLVE_ATTESTATION_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Attestation.KeyPassword, "POLYRESOLVE_ATTESTATION_KEY_PASSWORD")

	// ── Identity ──
	setBool(&cfg.Identity.WalletTokens, "POLYRESOLVE_IDENTITY_WALLET_TOKENS")
	setDuration(&cfg.Identity.WalletTokenTTL, "POLYRESOLVE_IDENTITY_WALLET_TOKEN_TTL")
	setDuration(&cfg.Identity.Timeout, "POLYRESOLVE_IDENTITY_TIMEOUT")
	setKeyMap(&cfg.Identity.APIKeys, "POLYRESOLVE_IDENTITY_API_KEYS")

	// ── Server ──
	setInt(&cfg.Server.Port, "POLYRESOLVE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYRESOLVE_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "POLYRESOLVE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POLYRESOLVE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYRESOLVE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYRESOLVE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYRESOLVE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYRESOLVE_NOTIFY_EVENTS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setDuration(dst *duration, key string) {
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
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setKeyMap parses "key=user,key2=user2" and replaces dst.
func setKeyMap(dst *map[string]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, user, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || user == "" {
			continue
		}
		out[k] = user
	}
	if len(out) > 0 {
		*dst = out
	}
}
