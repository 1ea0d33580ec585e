// Package config defines the top-level configuration for the pricecut
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PRICECUT_* environment variables.
type Config struct {
	Postgres       PostgresConfig `toml:"postgres"`
	Redis          RedisConfig    `toml:"redis"`
	S3             S3Config       `toml:"s3"`
	Bargain        BargainConfig  `toml:"bargain"`
	Archive        ArchiveConfig  `toml:"archive"`
	Relay          RelayConfig    `toml:"relay"`
	Server         ServerConfig   `toml:"server"`
	Notify         NotifyConfig   `toml:"notify"`
	SeedCampaigns  []SeedCampaign `toml:"seed_campaigns"`
	Mode           string         `toml:"mode"`
	LogLevel       string         `toml:"log_level"`
	StorageBackend string         `toml:"storage_backend"`
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

// RedisConfig holds Redis connection parameters. Redis is optional: without
// it the service runs with in-process locks and an in-process event bus,
// which is only correct for a single replica.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// StreamBlock is how long a success stream read waits for entries.
	StreamBlock duration `toml:"stream_block"`
}

// S3Config holds S3-compatible object storage parameters used by the
// archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// BargainConfig holds the engine policy values.
type BargainConfig struct {
	SessionTTL        duration `toml:"session_ttl"`
	AllowInitiatorCut bool     `toml:"allow_initiator_cut"`
	// LockBackend is "local" (single process) or "redis".
	LockBackend      string   `toml:"lock_backend"`
	LockTTL          duration `toml:"lock_ttl"`
	LockWait         duration `toml:"lock_wait"`
	MaxRetries       int      `toml:"max_retries"`
	RetryBaseDelay   duration `toml:"retry_base_delay"`
	RetryMaxDelay    duration `toml:"retry_max_delay"`
	ExpiryTick       duration `toml:"expiry_tick"`
	ExpiryBatch      int      `toml:"expiry_batch"`
	CampaignCacheTTL duration `toml:"campaign_cache_ttl"`
	// CutRateLimit is the number of cut requests per caller per
	// CutRateWindow. Zero disables the limit.
	CutRateLimit  int      `toml:"cut_rate_limit"`
	CutRateWindow duration `toml:"cut_rate_window"`
}

// ArchiveConfig controls the S3 archival of closed sessions.
type ArchiveConfig struct {
	Enabled            bool   `toml:"enabled"`
	RetentionDays      int    `toml:"retention_days"`
	Cron               string `toml:"cron"`
	BatchSize          int    `toml:"batch_size"`
	MultipartThreshold int64  `toml:"multipart_threshold"`
}

// RelayConfig controls the success-stream notification relay.
type RelayConfig struct {
	FromBeginning bool     `toml:"from_beginning"`
	BatchSize     int      `toml:"batch_size"`
	Idle          duration `toml:"idle"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// AdminAPIKey guards /api/admin routes. Empty leaves them open.
	AdminAPIKey string `toml:"admin_api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// SeedCampaign is a campaign definition upserted at startup. Campaign
// authoring lives outside this service; seeds make local runs usable.
type SeedCampaign struct {
	ID            string   `toml:"id"`
	ProductID     string   `toml:"product_id"`
	OriginalPrice int64    `toml:"original_price"`
	TargetPrice   int64    `toml:"target_price"`
	MinCutAmount  int64    `toml:"min_cut_amount"`
	MaxCutAmount  int64    `toml:"max_cut_amount"`
	SessionTTL    duration `toml:"session_ttl"`
	Ended         bool     `toml:"ended"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pricecut",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			StreamBlock: duration{time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pricecut-archive",
			ForcePathStyle: true,
		},
		Bargain: BargainConfig{
			SessionTTL:        duration{24 * time.Hour},
			AllowInitiatorCut: true,
			LockBackend:       "local",
			LockTTL:           duration{5 * time.Second},
			LockWait:          duration{3 * time.Second},
			MaxRetries:        3,
			RetryBaseDelay:    duration{20 * time.Millisecond},
			RetryMaxDelay:     duration{500 * time.Millisecond},
			ExpiryTick:        duration{time.Minute},
			ExpiryBatch:       200,
			CampaignCacheTTL:  duration{30 * time.Second},
			CutRateLimit:      30,
			CutRateWindow:     duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:            false,
			RetentionDays:      90,
			Cron:               "0 3 * * *",
			BatchSize:          500,
			MultipartThreshold: 16 << 20,
		},
		Relay: RelayConfig{
			BatchSize: 100,
			Idle:      duration{time.Second},
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"bargain.succeeded"},
		},
		Mode:           "full",
		LogLevel:       "info",
		StorageBackend: "memory",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStorageBackends = map[string]bool{
	"memory":   true,
	"postgres": true,
}

var validLockBackends = map[string]bool{
	"local": true,
	"redis": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validStorageBackends[strings.ToLower(c.StorageBackend)] {
		errs = append(errs, fmt.Sprintf("unknown storage_backend %q (valid: memory, postgres)", c.StorageBackend))
	}

	// Postgres
	if strings.EqualFold(c.StorageBackend, "postgres") {
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
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Bargain
	b := c.Bargain
	if !validLockBackends[strings.ToLower(b.LockBackend)] {
		errs = append(errs, fmt.Sprintf("bargain: unknown lock_backend %q (valid: local, redis)", b.LockBackend))
	}
	if strings.EqualFold(b.LockBackend, "redis") && !c.Redis.Enabled {
		errs = append(errs, "bargain: lock_backend redis requires redis.enabled")
	}
	if b.SessionTTL.Duration <= 0 {
		errs = append(errs, "bargain: session_ttl must be > 0")
	}
	if b.LockTTL.Duration <= 0 {
		errs = append(errs, "bargain: lock_ttl must be > 0")
	}
	if b.LockWait.Duration < 0 {
		errs = append(errs, "bargain: lock_wait must be >= 0")
	}
	if b.MaxRetries < 0 {
		errs = append(errs, "bargain: max_retries must be >= 0")
	}
	if b.RetryBaseDelay.Duration > b.RetryMaxDelay.Duration {
		errs = append(errs, "bargain: retry_base_delay must not exceed retry_max_delay")
	}
	if b.ExpiryTick.Duration <= 0 {
		errs = append(errs, "bargain: expiry_tick must be > 0")
	}
	if b.ExpiryBatch < 1 {
		errs = append(errs, "bargain: expiry_batch must be >= 1")
	}
	if b.CutRateLimit < 0 {
		errs = append(errs, "bargain: cut_rate_limit must be >= 0")
	}
	if b.CutRateLimit > 0 && b.CutRateWindow.Duration <= 0 {
		errs = append(errs, "bargain: cut_rate_window must be > 0 when cut_rate_limit is set")
	}

	// Archive
	if c.Archive.Enabled {
		if !strings.EqualFold(c.StorageBackend, "postgres") {
			errs = append(errs, "archive: requires storage_backend postgres")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if n := len(strings.Fields(c.Archive.Cron)); n != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %d", n))
		}
		if c.Archive.BatchSize < 1 {
			errs = append(errs, "archive: batch_size must be >= 1")
		}
		if c.S3.Endpoint == "" && c.S3.Region == "" {
			errs = append(errs, "s3: endpoint or region must be set when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	// Seeds
	seen := make(map[string]bool, len(c.SeedCampaigns))
	for i, s := range c.SeedCampaigns {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("seed_campaigns[%d]: id must not be empty", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("seed_campaigns[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
