package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/server/middleware"
	"github.com/alanyoungcy/polyresolve/internal/service"
)

// Resolver is the resolution API the handlers drive.
type Resolver interface {
	SubmitProposal(ctx context.Context, req service.ProposalRequest) (string, error)
	SubmitDispute(ctx context.Context, req service.DisputeRequest) (string, error)
	Review(ctx context.Context, eventID string, decision domain.Decision, reviewerID string) (domain.MarketState, error)
	GetHistory(ctx context.Context, marketID string) ([]domain.ResolutionEvent, error)
	GetState(ctx context.Context, marketID string, now time.Time) (domain.MarketState, error)
}

// ResolutionHandler serves the proposal, dispute, review and read endpoints.
type ResolutionHandler struct {
	svc    Resolver
	logger *slog.Logger
}

// NewResolutionHandler creates a ResolutionHandler.
func NewResolutionHandler(svc Resolver, logger *slog.Logger) *ResolutionHandler {
	return &ResolutionHandler{svc: svc, logger: logger.With(slog.String("handler", "resolution"))}
}

type submissionBody struct {
	Side         string `json:"side,omitempty"`
	Description  string `json:"description"`
	EvidenceURL1 string `json:"evidence_url_1,omitempty"`
	EvidenceURL2 string `json:"evidence_url_2,omitempty"`
}

type submissionResponse struct {
	EventID string `json:"event_id"`
}

type reviewBody struct {
	Decision domain.Decision `json:"decision"`
}

// SubmitProposal handles POST /api/markets/{id}/proposals.
func (h *ResolutionHandler) SubmitProposal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var body submissionBody
	if err := decodeBody(w, r, &body); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	id, err := h.svc.SubmitProposal(r.Context(), service.ProposalRequest{
		MarketID:    r.PathValue("id"),
		ProposerID:  userID,
		Side:        body.Side,
		Description: body.Description,
		URL1:        body.EvidenceURL1,
		URL2:        body.EvidenceURL2,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, submissionResponse{EventID: id})
}

// SubmitDispute handles POST /api/markets/{id}/disputes.
func (h *ResolutionHandler) SubmitDispute(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var body submissionBody
	if err := decodeBody(w, r, &body); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if body.Side != "" {
		writeDomainError(w, r, h.logger, fmt.Errorf("%w: a dispute always takes the opposite side; omit side", domain.ErrValidation))
		return
	}

	id, err := h.svc.SubmitDispute(r.Context(), service.DisputeRequest{
		MarketID:    r.PathValue("id"),
		DisputerID:  userID,
		Description: body.Description,
		URL1:        body.EvidenceURL1,
		URL2:        body.EvidenceURL2,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, submissionResponse{EventID: id})
}

// Review handles POST /api/events/{id}/review.
func (h *ResolutionHandler) Review(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var body reviewBody
	if err := decodeBody(w, r, &body); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	st, err := h.svc.Review(r.Context(), r.PathValue("id"), body.Decision, userID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetHistory handles GET /api/markets/{id}/history.
func (h *ResolutionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.GetHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if history == nil {
		history = []domain.ResolutionEvent{}
	}
	writeJSON(w, http.StatusOK, history)
}

// GetState handles GET /api/markets/{id}/state with an optional RFC 3339
// "at" query parameter.
func (h *ResolutionHandler) GetState(w http.ResponseWriter, r *http.Request) {
	var at time.Time
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeDomainError(w, r, h.logger, fmt.Errorf("%w: at must be RFC 3339: %v", domain.ErrValidation, err))
			return
		}
		at = t
	}

	st, err := h.svc.GetState(r.Context(), r.PathValue("id"), at)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
