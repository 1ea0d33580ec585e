package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// CampaignReader is the read side of the campaign service.
type CampaignReader interface {
	Get(ctx context.Context, id string) (domain.Campaign, error)
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Campaign, error)
}

// CampaignHandler serves campaign endpoints.
type CampaignHandler struct {
	campaigns CampaignReader
	logger    *slog.Logger
}

// NewCampaignHandler creates a CampaignHandler.
func NewCampaignHandler(campaigns CampaignReader, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{campaigns: campaigns, logger: logger}
}

type campaignResponse struct {
	ID             string                `json:"id"`
	ProductID      string                `json:"product_id"`
	OriginalPrice  int64                 `json:"original_price"`
	TargetPrice    int64                 `json:"target_price"`
	MinCutAmount   int64                 `json:"min_cut_amount"`
	MaxCutAmount   int64                 `json:"max_cut_amount"`
	Status         domain.CampaignStatus `json:"status"`
	TotalBargains  int64                 `json:"total_bargains"`
	SuccessBargain int64                 `json:"success_bargains"`
}

func toCampaignResponse(c domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:             c.ID,
		ProductID:      c.ProductID,
		OriginalPrice:  c.OriginalPrice,
		TargetPrice:    c.TargetPrice,
		MinCutAmount:   c.MinCutAmount,
		MaxCutAmount:   c.MaxCutAmount,
		Status:         c.Status,
		TotalBargains:  c.TotalSessions,
		SuccessBargain: c.SuccessfulSessions,
	}
}

// GetCampaign returns a campaign with its rollup counters.
// GET /api/campaigns/{id}
func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get_campaign", err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

// ListCampaigns returns one page of active campaigns.
// GET /api/campaigns?limit=50&offset=0
func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := h.campaigns.ListActive(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list_campaigns", err)
		return
	}
	out := make([]campaignResponse, len(list))
	for i, c := range list {
		out[i] = toCampaignResponse(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": out})
}
