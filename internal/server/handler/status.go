package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports the process mode and backends.
type StatusHandler struct {
	Mode      string
	Store     string
	Ledger    string
	StartedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, store, ledger string, startedAt time.Time) *StatusHandler {
	return &StatusHandler{Mode: mode, Store: store, Ledger: ledger, StartedAt: startedAt}
}

// GetStatus handles GET /api/status.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"store":          h.Store,
		"ledger":         h.Ledger,
		"started_at":     h.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
