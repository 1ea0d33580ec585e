package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/pricecut/internal/domain"
	"github.com/alanyoungcy/pricecut/internal/metrics"
	"github.com/alanyoungcy/pricecut/internal/server/middleware"
)

// writeJSON marshals v as JSON and writes it with the given status. If
// marshaling fails, it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError sends a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	if errors.Is(err, domain.ErrNotInitiator) {
		return http.StatusForbidden
	}
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindClosed:
		return http.StatusGone
	case domain.KindValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeDomainError classifies err, counts it under op and writes the
// response. Internal errors are logged and their text is not exposed.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	kind := domain.KindOf(err)
	metrics.OperationErrors.WithLabelValues(op, string(kind)).Inc()

	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: operation failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: string(kind)})
}

// parseListOpts reads limit and offset. Defaults: limit=50 (max 500),
// offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	limit = min(limit, 500)

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}

// requireUser returns the caller identity or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := middleware.UserID(r.Context())
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing "+middleware.UserHeader+" header")
		return "", false
	}
	return id, true
}
