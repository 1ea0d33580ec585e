package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/pricecut/internal/bargain"
	"github.com/alanyoungcy/pricecut/internal/domain"
)

// maxIdempotencyKey bounds the Idempotency-Key header stored with a cut.
const maxIdempotencyKey = 128

// SessionService is the slice of the session manager the handlers use.
type SessionService interface {
	Start(ctx context.Context, campaignID, initiatorID string) (domain.Session, error)
	Get(ctx context.Context, id string) (domain.Session, error)
	ListForUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Session, error)
	Cancel(ctx context.Context, sessionID, actorID string) (domain.Session, error)
}

// CutService applies helper cuts.
type CutService interface {
	ApplyCut(ctx context.Context, req bargain.CutRequest) (domain.CutResult, error)
}

// SessionHandler serves session endpoints.
type SessionHandler struct {
	sessions SessionService
	cuts     CutService
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions SessionService, cuts CutService, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, cuts: cuts, logger: logger}
}

type sessionResponse struct {
	SessionID    string               `json:"session_id"`
	CampaignID   string               `json:"campaign_id"`
	InitiatorID  string               `json:"initiator_id"`
	ProductID    string               `json:"product_id"`
	Original     int64                `json:"original_price"`
	Target       int64                `json:"target_price"`
	CurrentPrice int64                `json:"current_price"`
	Remaining    int64                `json:"remaining"`
	Status       domain.SessionStatus `json:"status"`
	Cuts         []cutResponse        `json:"cuts"`
	CreatedAt    time.Time            `json:"created_at"`
	ExpiresAt    time.Time            `json:"expires_at"`
	ClosedAt     *time.Time           `json:"closed_at,omitempty"`
}

type cutResponse struct {
	HelperID   string    `json:"helper_id"`
	Amount     int64     `json:"amount"`
	PriceAfter int64     `json:"price_after"`
	AppliedAt  time.Time `json:"applied_at"`
}

func toSessionResponse(s domain.Session) sessionResponse {
	cuts := make([]cutResponse, len(s.Cuts))
	for i, c := range s.Cuts {
		cuts[i] = cutResponse{HelperID: c.HelperID, Amount: c.Amount, PriceAfter: c.PriceAfter, AppliedAt: c.AppliedAt}
	}
	return sessionResponse{
		SessionID:    s.ID,
		CampaignID:   s.CampaignID,
		InitiatorID:  s.InitiatorID,
		ProductID:    s.Terms.ProductID,
		Original:     s.Terms.OriginalPrice,
		Target:       s.Terms.TargetPrice,
		CurrentPrice: s.CurrentPrice,
		Remaining:    max(s.Remaining(), 0),
		Status:       s.Status,
		Cuts:         cuts,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		ClosedAt:     s.ClosedAt,
	}
}

// StartSession starts a bargain for the caller on a campaign.
// POST /api/campaigns/{id}/sessions
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	sess, err := h.sessions.Start(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeDomainError(w, r, h.logger, "start", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// GetSession returns a session snapshot.
// GET /api/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get_session", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// ListUserSessions lists sessions a user initiated or helped, newest first.
// GET /api/users/{id}/sessions?limit=50&offset=0
func (h *SessionHandler) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.sessions.ListForUser(r.Context(), r.PathValue("id"), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list_sessions", err)
		return
	}
	out := make([]sessionResponse, len(list))
	for i, s := range list {
		out[i] = toSessionResponse(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// ApplyCut records the caller's cut. A repeated Idempotency-Key returns the
// recorded result with replayed=true.
// POST /api/sessions/{id}/cuts
func (h *SessionHandler) ApplyCut(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(key) > maxIdempotencyKey {
		writeError(w, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	res, err := h.cuts.ApplyCut(r.Context(), bargain.CutRequest{
		SessionID: r.PathValue("id"),
		HelperID:  user,
		RequestID: key,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "cut", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelSession lets the initiator abandon an active session.
// POST /api/sessions/{id}/cancel
func (h *SessionHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	sess, err := h.sessions.Cancel(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}
