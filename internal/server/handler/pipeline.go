package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Sweeper runs one expiry pass.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// PipelineHandler exposes operator triggers for background jobs.
type PipelineHandler struct {
	expiry Sweeper
	logger *slog.Logger
}

// NewPipelineHandler creates a PipelineHandler.
func NewPipelineHandler(expiry Sweeper, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{expiry: expiry, logger: logger}
}

// TriggerSweep runs an expiry sweep now instead of waiting for the tick.
// POST /api/admin/expiry/sweep
func (h *PipelineHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "handler: expiry sweep requested")
	n, err := h.expiry.Sweep(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"expired":  n,
		"swept_at": time.Now().UTC().Format(time.RFC3339),
	})
}
