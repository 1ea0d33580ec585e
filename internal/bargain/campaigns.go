package bargain

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

const defaultCampaignPage = 100

// CampaignService is the read side of campaign definitions.
type CampaignService struct {
	*core
}

// Get returns a campaign snapshot, served from the cache when present.
// Counters read here may trail the store slightly.
func (s *CampaignService) Get(ctx context.Context, id string) (domain.Campaign, error) {
	if err := requireIDs("campaign_id", id); err != nil {
		return domain.Campaign{}, err
	}
	if s.cache != nil {
		camp, err := s.cache.Get(ctx, id)
		if err == nil {
			return camp, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "campaign cache read failed",
				slog.String("campaign_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	camp, err := s.readCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, camp); err != nil {
			s.logger.WarnContext(ctx, "campaign cache write failed",
				slog.String("campaign_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return camp, nil
}

// readCampaign reads a campaign from the store, bypassing the cache.
func (c *core) readCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	var camp domain.Campaign
	err := retryOp(ctx, c.retry, func() error {
		var err error
		camp, err = c.campaigns.Get(ctx, id)
		return err
	})
	return camp, err
}

// ListActive returns one page of active campaigns.
func (s *CampaignService) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Campaign, error) {
	var out []domain.Campaign
	err := retryOp(ctx, s.retry, func() error {
		var err error
		out, err = s.campaigns.ListActive(ctx, opts)
		return err
	})
	return out, err
}

// Active returns a lazy sequence over all active campaigns. Pages are
// fetched on demand; every range over the sequence starts again from the
// first page. A store error is yielded once and ends the sequence.
func (s *CampaignService) Active(ctx context.Context, pageSize int) iter.Seq2[domain.Campaign, error] {
	if pageSize <= 0 {
		pageSize = defaultCampaignPage
	}
	return func(yield func(domain.Campaign, error) bool) {
		offset := 0
		for {
			batch, err := s.ListActive(ctx, domain.ListOpts{Limit: pageSize, Offset: offset})
			if err != nil {
				yield(domain.Campaign{}, err)
				return
			}
			for _, camp := range batch {
				if !yield(camp, nil) {
					return
				}
			}
			if len(batch) < pageSize {
				return
			}
			offset += len(batch)
		}
	}
}
