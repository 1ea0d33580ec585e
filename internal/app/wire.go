package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/pricecut/internal/bargain"
	s3blob "github.com/alanyoungcy/pricecut/internal/blob/s3"
	"github.com/alanyoungcy/pricecut/internal/cache/redis"
	"github.com/alanyoungcy/pricecut/internal/config"
	"github.com/alanyoungcy/pricecut/internal/domain"
	"github.com/alanyoungcy/pricecut/internal/notify"
	"github.com/alanyoungcy/pricecut/internal/server/handler"
	"github.com/alanyoungcy/pricecut/internal/store/memory"
	"github.com/alanyoungcy/pricecut/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	CampaignStore domain.CampaignStore
	SessionStore  domain.SessionStore
	AuditStore    domain.AuditStore

	// Coordination. CampaignCache is nil without Redis.
	CampaignCache domain.CampaignCache
	LockManager   domain.LockManager
	RateLimiter   domain.RateLimiter
	SignalBus     domain.SignalBus

	// Archiver is nil unless archive.enabled.
	Archiver domain.Archiver

	Notifier *notify.Notifier

	// HealthChecks are exposed on /api/health.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- Storage ---
	switch strings.ToLower(cfg.StorageBackend) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.CampaignStore = postgres.NewCampaignStore(pool)
		deps.SessionStore = postgres.NewSessionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pool.Ping
	default:
		store := memory.New()
		deps.CampaignStore = store.Campaigns()
		deps.SessionStore = store.Sessions()
		deps.AuditStore = store.Audit()
	}

	// --- Redis (optional) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.CampaignCache = redis.NewCampaignCache(redisClient, cfg.Bargain.CampaignCacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamBlock.Duration)
		deps.HealthChecks["redis"] = redisClient.Ping
		if strings.EqualFold(cfg.Bargain.LockBackend, "redis") {
			deps.LockManager = redis.NewLockManager(redisClient)
		}
	} else {
		deps.RateLimiter = memory.NewRateLimiter()
		deps.SignalBus = memory.NewBus()
	}
	if deps.LockManager == nil {
		deps.LockManager = bargain.NewLocalLocks()
	}

	// --- S3 archival (optional) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.HealthChecks["s3"] = s3Client.Health
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.SessionStore,
			deps.AuditStore,
			s3blob.ArchiverConfig{
				Prefix:             s3Client.Prefix(),
				BatchSize:          cfg.Archive.BatchSize,
				MultipartThreshold: cfg.Archive.MultipartThreshold,
			},
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Seed campaigns ---
	if err := seedCampaigns(ctx, deps.CampaignStore, deps.CampaignCache, cfg.SeedCampaigns, logger); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %w", err)
	}

	return deps, cleanup, nil
}

// seedCampaigns upserts the configured campaigns and drops any cached copy.
// Existing rollup counters are preserved by the stores. cache may be nil.
func seedCampaigns(
	ctx context.Context,
	store domain.CampaignStore,
	cache domain.CampaignCache,
	seeds []config.SeedCampaign,
	logger *slog.Logger,
) error {
	now := time.Now().UTC()
	for _, s := range seeds {
		camp := s.Campaign(now)
		if err := store.Upsert(ctx, camp); err != nil {
			return fmt.Errorf("seed campaign %s: %w", s.ID, err)
		}
		if cache != nil {
			if err := cache.Invalidate(ctx, camp.ID); err != nil {
				logger.WarnContext(ctx, "seed: cache invalidate failed",
					slog.String("campaign_id", camp.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		logger.InfoContext(ctx, "seeded campaign",
			slog.String("campaign_id", camp.ID),
			slog.Int64("original_price", camp.OriginalPrice),
			slog.Int64("target_price", camp.TargetPrice),
			slog.String("status", string(camp.Status)),
		)
	}
	return nil
}
