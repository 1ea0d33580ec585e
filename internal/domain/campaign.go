package domain

import (
	"fmt"
	"time"
)

// CampaignStatus tracks whether new sessions may be started.
type CampaignStatus string

const (
	CampaignStatusActive CampaignStatus = "active"
	CampaignStatusEnded  CampaignStatus = "ended"
)

// Campaign is a product-level bargain definition. Prices are integer minor
// units (cents).
type Campaign struct {
	ID                 string         `json:"id"`
	ProductID          string         `json:"product_id"`
	OriginalPrice      int64          `json:"original_price"`
	TargetPrice        int64          `json:"target_price"`
	MinCutAmount       int64          `json:"min_cut_amount"`
	MaxCutAmount       int64          `json:"max_cut_amount"`
	Status             CampaignStatus `json:"status"`
	SessionTTL         time.Duration  `json:"session_ttl,omitempty"` // zero means use the engine default
	TotalSessions      int64          `json:"total_sessions"`
	SuccessfulSessions int64          `json:"successful_sessions"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Validate checks the price and cut bounds of a campaign definition.
func (c Campaign) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidCampaign)
	case c.TargetPrice <= 0:
		return fmt.Errorf("%w: target price must be > 0, got %d", ErrInvalidCampaign, c.TargetPrice)
	case c.TargetPrice >= c.OriginalPrice:
		return fmt.Errorf("%w: target price %d must be below original price %d",
			ErrInvalidCampaign, c.TargetPrice, c.OriginalPrice)
	case c.MinCutAmount <= 0:
		return fmt.Errorf("%w: min cut must be > 0, got %d", ErrInvalidCampaign, c.MinCutAmount)
	case c.MinCutAmount > c.MaxCutAmount:
		return fmt.Errorf("%w: min cut %d exceeds max cut %d",
			ErrInvalidCampaign, c.MinCutAmount, c.MaxCutAmount)
	case c.SessionTTL < 0:
		return fmt.Errorf("%w: session ttl must not be negative", ErrInvalidCampaign)
	}
	return nil
}

// IsActive reports whether new sessions may be started.
func (c Campaign) IsActive() bool {
	return c.Status == CampaignStatusActive
}

// Terms snapshots the pricing terms a new session is bound to.
func (c Campaign) Terms() Terms {
	return Terms{
		ProductID:     c.ProductID,
		OriginalPrice: c.OriginalPrice,
		TargetPrice:   c.TargetPrice,
		MinCutAmount:  c.MinCutAmount,
		MaxCutAmount:  c.MaxCutAmount,
	}
}

// Terms are the campaign values frozen into a session at start, so later
// edits by the authoring flow never change a session in flight.
type Terms struct {
	ProductID     string `json:"product_id"`
	OriginalPrice int64  `json:"original_price"`
	TargetPrice   int64  `json:"target_price"`
	MinCutAmount  int64  `json:"min_cut_amount"`
	MaxCutAmount  int64  `json:"max_cut_amount"`
}
