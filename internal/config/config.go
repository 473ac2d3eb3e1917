// Package config defines the polyresolve configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by POLYRESOLVE_* environment variables.
type Config struct {
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
	LogFile     LogFileConfig     `toml:"log_file"`
	Store       StoreConfig       `toml:"store"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Catalog     CatalogConfig     `toml:"catalog"`
	Resolution  ResolutionConfig  `toml:"resolution"`
	Sweep       SweepConfig       `toml:"sweep"`
	Attestation AttestationConfig `toml:"attestation"`
	Identity    IdentityConfig    `toml:"identity"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
}

// LogFileConfig tees logs into a rotated file when Path is set.
type LogFileConfig struct {
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// StoreConfig picks the event store: memory, postgres or badger.
type StoreConfig struct {
	Driver    string `toml:"driver"`
	BadgerDir string `toml:"badger_dir"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	CacheTTL   duration `toml:"cache_ttl"`
}

// S3Config holds object storage parameters for the resolution archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// LedgerConfig picks the bond ledger: memory, postgres or http.
type LedgerConfig struct {
	Driver     string   `toml:"driver"`
	BaseURL    string   `toml:"base_url"`
	APIKey     string   `toml:"api_key"`
	Timeout    duration `toml:"timeout"`
	RetryCount int      `toml:"retry_count"`
}

// MarketConfig declares one market served from configuration.
type MarketConfig struct {
	ID                    string `toml:"id"`
	Question              string `toml:"question"`
	Side1Label            string `toml:"side1_label"`
	Side2Label            string `toml:"side2_label"`
	ResolutionWindowHours int    `toml:"resolution_window_hours"`
	BondAmount            string `toml:"bond_amount"`
}

// CatalogConfig lists static markets and the optional Gamma upstream.
type CatalogConfig struct {
	Markets            []MarketConfig `toml:"markets"`
	GammaURL           string         `toml:"gamma_url"`
	DefaultWindowHours int            `toml:"default_window_hours"`
	DefaultBond        string         `toml:"default_bond"`
}

// ResolutionConfig tunes the coordinator.
type ResolutionConfig struct {
	EscrowTimeout duration `toml:"escrow_timeout"`
	LockTTL       duration `toml:"lock_ttl"`
	Reviewers     []string `toml:"reviewers"`
}

// SweepConfig tunes the window sweeper.
type SweepConfig struct {
	Interval        duration `toml:"interval"`
	ExpiringWarning duration `toml:"expiring_warning"`
}

// AttestationConfig names the operator key used to sign final results.
type AttestationConfig struct {
	Enabled          bool   `toml:"enabled"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// IdentityConfig configures bearer token resolution.
type IdentityConfig struct {
	APIKeys        map[string]string `toml:"api_keys"`
	WalletTokens   bool              `toml:"wallet_tokens"`
	WalletTokenTTL duration          `toml:"wallet_token_ttl"`
	Timeout        duration          `toml:"timeout"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration decodes TOML strings like "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs everything in memory.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		LogFile: LogFileConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Store: StoreConfig{Driver: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polyresolve",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "polyresolve:",
			CacheTTL:   duration{5 * time.Minute},
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
			Prefix: "resolutions",
		},
		Ledger: LedgerConfig{
			Driver:     "memory",
			Timeout:    duration{10 * time.Second},
			RetryCount: 2,
		},
		Catalog: CatalogConfig{
			DefaultWindowHours: 48,
			DefaultBond:        "100",
		},
		Resolution: ResolutionConfig{
			EscrowTimeout: duration{10 * time.Second},
			LockTTL:       duration{30 * time.Second},
		},
		Sweep: SweepConfig{
			Interval:        duration{time.Minute},
			ExpiringWarning: duration{time.Hour},
		},
		Identity: IdentityConfig{
			WalletTokens:   true,
			WalletTokenTTL: duration{24 * time.Hour},
			Timeout:        duration{5 * time.Second},
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{string(domain.TransitionWindowOpened), string(domain.TransitionMarketFinal)},
		},
	}
}

var (
	validModes       = map[string]bool{"server": true, "sweep": true, "full": true}
	validLogLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validStores      = map[string]bool{"memory": true, "postgres": true, "badger": true}
	validLedgers     = map[string]bool{"memory": true, "postgres": true, "http": true}
	validTransitions = map[string]bool{
		string(domain.TransitionProposalSubmitted): true,
		string(domain.TransitionDisputeSubmitted):  true,
		string(domain.TransitionEventApproved):     true,
		string(domain.TransitionEventRejected):     true,
		string(domain.TransitionWindowOpened):      true,
		string(domain.TransitionWindowExpiring):    true,
		string(domain.TransitionMarketFinal):       true,
	}
)

// UsesPostgres reports whether any component needs the Postgres pool.
func (c *Config) UsesPostgres() bool {
	return c.Store.Driver == "postgres" || c.Ledger.Driver == "postgres"
}

// StaticMarkets converts the configured markets and validates them.
func (c *CatalogConfig) StaticMarkets() ([]domain.Market, error) {
	out := make([]domain.Market, 0, len(c.Markets))
	for _, mc := range c.Markets {
		bond, err := decimal.NewFromString(mc.BondAmount)
		if err != nil {
			return nil, fmt.Errorf("catalog: market %q: bond_amount %q: %w", mc.ID, mc.BondAmount, err)
		}
		m := domain.Market{
			ID:                    mc.ID,
			Question:              mc.Question,
			Side1Label:            mc.Side1Label,
			Side2Label:            mc.Side2Label,
			ResolutionWindowHours: mc.ResolutionWindowHours,
			BondAmount:            bond,
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Validate checks c and returns one error listing every problem.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, sweep, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if !validStores[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: memory, postgres, badger)", c.Store.Driver))
	}
	if c.Store.Driver == "memory" && c.Mode == "sweep" {
		errs = append(errs, "store: mode sweep needs a shared store (postgres or badger)")
	}
	if !validLedgers[c.Ledger.Driver] {
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: memory, postgres, http)", c.Ledger.Driver))
	}
	if c.Ledger.Driver == "http" && c.Ledger.BaseURL == "" {
		errs = append(errs, "ledger: base_url is required for driver http")
	}

	if c.UsesPostgres() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if len(c.Catalog.Markets) == 0 && c.Catalog.GammaURL == "" {
		errs = append(errs, "catalog: configure markets or gamma_url")
	}
	if _, err := c.Catalog.StaticMarkets(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Catalog.GammaURL != "" {
		if c.Catalog.DefaultWindowHours <= 0 {
			errs = append(errs, "catalog: default_window_hours must be > 0")
		}
		if d, err := decimal.NewFromString(c.Catalog.DefaultBond); err != nil || !d.IsPositive() {
			errs = append(errs, fmt.Sprintf("catalog: default_bond must be a positive decimal, got %q", c.Catalog.DefaultBond))
		}
	}

	if c.Resolution.EscrowTimeout.Duration <= 0 {
		errs = append(errs, "resolution: escrow_timeout must be > 0")
	}
	if c.Resolution.LockTTL.Duration <= 0 {
		errs = append(errs, "resolution: lock_ttl must be > 0")
	}
	if c.Sweep.Interval.Duration <= 0 {
		errs = append(errs, "sweep: interval must be > 0")
	}
	if c.Sweep.ExpiringWarning.Duration < 0 {
		errs = append(errs, "sweep: expiring_warning must be >= 0")
	}

	if c.Attestation.Enabled {
		if c.Attestation.PrivateKey == "" && c.Attestation.EncryptedKeyPath == "" {
			errs = append(errs, "attestation: private_key or encrypted_key_path must be set when enabled")
		}
		if c.Attestation.EncryptedKeyPath != "" && c.Attestation.KeyPassword == "" {
			errs = append(errs, "attestation: key_password is required with encrypted_key_path")
		}
	}

	if c.Mode != "sweep" {
		if len(c.Identity.APIKeys) == 0 && !c.Identity.WalletTokens {
			errs = append(errs, "identity: enable wallet_tokens or configure api_keys")
		}
		if c.Identity.WalletTokens && c.Identity.WalletTokenTTL.Duration <= 0 {
			errs = append(errs, "identity: wallet_token_ttl must be > 0")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	for _, e := range c.Notify.Events {
		if !validTransitions[e] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", e))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
