package config

import (
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// Campaign converts a seed entry into a domain campaign stamped at now.
func (s SeedCampaign) Campaign(now time.Time) domain.Campaign {
	status := domain.CampaignStatusActive
	if s.Ended {
		status = domain.CampaignStatusEnded
	}
	productID := s.ProductID
	if productID == "" {
		productID = s.ID
	}
	return domain.Campaign{
		ID:            s.ID,
		ProductID:     productID,
		OriginalPrice: s.OriginalPrice,
		TargetPrice:   s.TargetPrice,
		MinCutAmount:  s.MinCutAmount,
		MaxCutAmount:  s.MaxCutAmount,
		Status:        status,
		SessionTTL:    s.SessionTTL.Duration,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
