package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/polyresolve/internal/blob/s3"
	"github.com/alanyoungcy/polyresolve/internal/cache/redis"
	"github.com/alanyoungcy/polyresolve/internal/config"
	"github.com/alanyoungcy/polyresolve/internal/crypto"
	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/identity"
	"github.com/alanyoungcy/polyresolve/internal/notify"
	"github.com/alanyoungcy/polyresolve/internal/platform/ledger"
	"github.com/alanyoungcy/polyresolve/internal/platform/polymarket"
	"github.com/alanyoungcy/polyresolve/internal/server/handler"
	"github.com/alanyoungcy/polyresolve/internal/service"
	badgerdb "github.com/alanyoungcy/polyresolve/internal/store/badger"
	"github.com/alanyoungcy/polyresolve/internal/store/memory"
	"github.com/alanyoungcy/polyresolve/internal/store/postgres"
)

// Dependencies bundles the concrete collaborators the modes run on. Optional
// ones (redis, s3, attestation) are nil when not configured.
type Dependencies struct {
	Store   domain.EventStore
	Ledger  domain.Ledger
	Audit   domain.AuditStore
	Catalog *service.CatalogService

	// Redis
	Locker  domain.LockManager
	Limiter domain.RateLimiter
	Bus     domain.SignalBus

	Archiver domain.Archiver
	Attestor *crypto.Attestor
	Identity domain.Identity
	Notifier *notify.Notifier

	// Checks feeds GET /api/health.
	Checks map[string]handler.Check
}

// Wire constructs every dependency from cfg and returns them with a cleanup
// function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- PostgreSQL (store or ledger driver "postgres") ---
	var pg *postgres.Client
	if cfg.UsesPostgres() {
		var err error
		pg, err = postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)
		deps.Checks["postgres"] = pg.Ping

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Audit = postgres.NewAuditStore(pg.Pool())
	} else {
		deps.Audit = memory.NewAuditStore()
	}

	// --- Event store ---
	switch cfg.Store.Driver {
	case "postgres":
		deps.Store = postgres.NewEventStore(pg.Pool())
	case "badger":
		db, err := badgerdb.Open(cfg.Store.BadgerDir, logger.With(slog.String("component", "badger")))
		if err != nil {
			return fail(fmt.Errorf("wire: badger: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.Store = badgerdb.NewEventStore(db)
	default:
		deps.Store = memory.NewEventStore()
	}

	// --- Bond ledger ---
	switch cfg.Ledger.Driver {
	case "postgres":
		deps.Ledger = postgres.NewEscrowStore(pg.Pool())
	case "http":
		deps.Ledger = ledger.New(ledger.Config{
			BaseURL:    cfg.Ledger.BaseURL,
			APIKey:     cfg.Ledger.APIKey,
			Timeout:    cfg.Ledger.Timeout.Duration,
			RetryCount: cfg.Ledger.RetryCount,
		})
	default:
		deps.Ledger = memory.NewLedger()
	}

	// --- Redis (optional) ---
	var marketCache domain.MarketCache
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Checks["redis"] = rc.Ping

		deps.Locker = redis.NewLockManager(rc)
		deps.Limiter = redis.NewRateLimiter(rc)
		deps.Bus = redis.NewSignalBus(rc)
		marketCache = redis.NewMarketCache(rc, cfg.Redis.CacheTTL.Duration)
	}

	// --- Market catalog ---
	static, err := cfg.Catalog.StaticMarkets()
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	var upstream domain.MarketCatalog
	if cfg.Catalog.GammaURL != "" {
		bond, err := decimal.NewFromString(cfg.Catalog.DefaultBond)
		if err != nil {
			return fail(fmt.Errorf("wire: catalog default_bond: %w", err))
		}
		upstream = polymarket.NewGammaCatalog(polymarket.GammaConfig{
			BaseURL:            cfg.Catalog.GammaURL,
			RetryCount:         2,
			DefaultWindowHours: cfg.Catalog.DefaultWindowHours,
			DefaultBond:        bond,
		})
	}
	deps.Catalog, err = service.NewCatalogService(static, marketCache, upstream, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}

	// --- S3 archive (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Checks["s3"] = s3Client.Health
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), cfg.S3.Prefix)
	}

	// --- Attestation (optional) ---
	if cfg.Attestation.Enabled {
		signer, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Attestation.PrivateKey,
			EncryptedKeyPath: cfg.Attestation.EncryptedKeyPath,
			KeyPassword:      cfg.Attestation.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: attestation: %w", err))
		}
		deps.Attestor = crypto.NewAttestor(signer)
		logger.InfoContext(ctx, "attestation enabled", slog.String("signer", signer.Address().Hex()))
	}

	// --- Identity ---
	var chain identity.Chain
	if len(cfg.Identity.APIKeys) > 0 {
		chain = append(chain, identity.NewStaticResolver(cfg.Identity.APIKeys))
	}
	if cfg.Identity.WalletTokens {
		chain = append(chain, identity.NewWalletResolver(cfg.Identity.WalletTokenTTL.Duration))
	}
	deps.Identity = chain

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, ""))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
