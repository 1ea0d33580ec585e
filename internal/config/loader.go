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

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PRICECUT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PRICECUT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PRICECUT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PRICECUT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PRICECUT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PRICECUT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PRICECUT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PRICECUT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PRICECUT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PRICECUT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PRICECUT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PRICECUT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PRICECUT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PRICECUT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PRICECUT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PRICECUT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PRICECUT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PRICECUT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PRICECUT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PRICECUT_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.StreamBlock, "PRICECUT_REDIS_STREAM_BLOCK")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PRICECUT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PRICECUT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PRICECUT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PRICECUT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PRICECUT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PRICECUT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PRICECUT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "PRICECUT_S3_PREFIX")

	// ── Bargain ──
	setDuration(&cfg.Bargain.SessionTTL, "PRICECUT_BARGAIN_SESSION_TTL")
	setBool(&cfg.Bargain.AllowInitiatorCut, "PRICECUT_BARGAIN_ALLOW_INITIATOR_CUT")
	setStr(&cfg.Bargain.LockBackend, "PRICECUT_BARGAIN_LOCK_BACKEND")
	setDuration(&cfg.Bargain.LockTTL, "PRICECUT_BARGAIN_LOCK_TTL")
	setDuration(&cfg.Bargain.LockWait, "PRICECUT_BARGAIN_LOCK_WAIT")
	setInt(&cfg.Bargain.MaxRetries, "PRICECUT_BARGAIN_MAX_RETRIES")
	setDuration(&cfg.Bargain.RetryBaseDelay, "PRICECUT_BARGAIN_RETRY_BASE_DELAY")
	setDuration(&cfg.Bargain.RetryMaxDelay, "PRICECUT_BARGAIN_RETRY_MAX_DELAY")
	setDuration(&cfg.Bargain.ExpiryTick, "PRICECUT_BARGAIN_EXPIRY_TICK")
	setInt(&cfg.Bargain.ExpiryBatch, "PRICECUT_BARGAIN_EXPIRY_BATCH")
	setDuration(&cfg.Bargain.CampaignCacheTTL, "PRICECUT_BARGAIN_CAMPAIGN_CACHE_TTL")
	setInt(&cfg.Bargain.CutRateLimit, "PRICECUT_BARGAIN_CUT_RATE_LIMIT")
	setDuration(&cfg.Bargain.CutRateWindow, "PRICECUT_BARGAIN_CUT_RATE_WINDOW")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PRICECUT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "PRICECUT_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "PRICECUT_ARCHIVE_CRON")
	setInt(&cfg.Archive.BatchSize, "PRICECUT_ARCHIVE_BATCH_SIZE")
	setInt64(&cfg.Archive.MultipartThreshold, "PRICECUT_ARCHIVE_MULTIPART_THRESHOLD")

	// ── Relay ──
	setBool(&cfg.Relay.FromBeginning, "PRICECUT_RELAY_FROM_BEGINNING")
	setInt(&cfg.Relay.BatchSize, "PRICECUT_RELAY_BATCH_SIZE")
	setDuration(&cfg.Relay.Idle, "PRICECUT_RELAY_IDLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "PRICECUT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PRICECUT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKey, "PRICECUT_SERVER_ADMIN_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PRICECUT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PRICECUT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PRICECUT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PRICECUT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PRICECUT_MODE")
	setStr(&cfg.LogLevel, "PRICECUT_LOG_LEVEL")
	setStr(&cfg.StorageBackend, "PRICECUT_STORAGE_BACKEND")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
