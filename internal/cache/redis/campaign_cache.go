package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

const defaultCampaignTTL = 30 * time.Second

// CampaignCache implements domain.CampaignCache using Redis hashes with
// JSON-serialized campaigns.
//
// Key schema:
//
//	campaign:{id} - hash with field "data" containing JSON
type CampaignCache struct {
	c   *Client
	ttl time.Duration
}

// NewCampaignCache creates a CampaignCache backed by the given Client. The
// ttl bounds how stale the rollup counters served from cache can get.
func NewCampaignCache(c *Client, ttl time.Duration) *CampaignCache {
	if ttl <= 0 {
		ttl = defaultCampaignTTL
	}
	return &CampaignCache{c: c, ttl: ttl}
}

func (cc *CampaignCache) key(id string) string { return cc.c.Key("campaign", id) }

// Set stores a campaign snapshot with the cache TTL.
func (cc *CampaignCache) Set(ctx context.Context, camp domain.Campaign) error {
	data, err := json.Marshal(camp)
	if err != nil {
		return fmt.Errorf("redis: marshal campaign %s: %w", camp.ID, err)
	}

	key := cc.key(camp.ID)
	pipe := cc.c.Underlying().TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, cc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set campaign %s: %w", camp.ID, err)
	}
	return nil
}

// Get retrieves a campaign by id. It returns domain.ErrNotFound on a miss.
func (cc *CampaignCache) Get(ctx context.Context, id string) (domain.Campaign, error) {
	data, err := cc.c.Underlying().HGet(ctx, cc.key(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Campaign{}, domain.ErrNotFound
		}
		return domain.Campaign{}, fmt.Errorf("redis: get campaign %s: %w", id, err)
	}

	var camp domain.Campaign
	if err := json.Unmarshal(data, &camp); err != nil {
		return domain.Campaign{}, fmt.Errorf("redis: unmarshal campaign %s: %w", id, err)
	}
	return camp, nil
}

// Invalidate drops a cached campaign.
func (cc *CampaignCache) Invalidate(ctx context.Context, id string) error {
	if err := cc.c.Underlying().Del(ctx, cc.key(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate campaign %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.CampaignCache = (*CampaignCache)(nil)
