package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports how this process was started.
type StatusHandler struct {
	Mode           string
	StorageBackend string
	LockBackend    string
	StartedAt      time.Time
}

// GetStatus responds with the runtime mode and backends.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":            h.Mode,
		"storage_backend": h.StorageBackend,
		"lock_backend":    h.LockBackend,
		"uptime_seconds":  int64(time.Since(h.StartedAt).Seconds()),
	})
}
