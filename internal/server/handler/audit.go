package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// AuditHandler serves a market's audit trail.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger.With(slog.String("handler", "audit"))}
}

// ListByMarket handles GET /api/markets/{id}/audit.
func (h *AuditHandler) ListByMarket(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.ListByMarket(r.Context(), r.PathValue("id"), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
