package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/service"
)

// InterestView is the wire shape of one interest entry.
type InterestView struct {
	CounterpartID   string    `json:"counterpartId"`
	CounterpartRole string    `json:"counterpartRole"`
	Status          string    `json:"status"`
	ContractStatus  string    `json:"contractStatus,omitempty"`
	ContractID      string    `json:"contractId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func interestView(e *domain.InterestEntry) InterestView {
	return InterestView{
		CounterpartID:   e.CounterpartID,
		CounterpartRole: string(e.CounterpartRole),
		Status:          string(e.Status),
		ContractStatus:  e.ContractStatus,
		ContractID:      e.ContractID,
		CreatedAt:       e.CreatedAt,
	}
}

// InterestHandler drives the mirrored interest ledger.
type InterestHandler struct {
	interests *service.InterestService
	logger    *slog.Logger
}

// NewInterestHandler creates a new interest handler
func NewInterestHandler(interests *service.InterestService, logger *slog.Logger) *InterestHandler {
	return &InterestHandler{interests: interests, logger: logger}
}

// ExpressBody is the POST /api/interests payload.
type ExpressBody struct {
	CounterpartID string `json:"counterpartId"`
}

// Express handles POST /api/interests
func (h *InterestHandler) Express(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var body ExpressBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if body.CounterpartID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "counterpartId is required"})
		return
	}

	if err := h.interests.Express(r.Context(), actor, body.CounterpartID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": string(domain.InterestPending)})
}

// UpdateStatusBody is the PUT /api/interests/{counterpartId} payload.
type UpdateStatusBody struct {
	Status string `json:"status"`
}

// UpdateStatus handles PUT /api/interests/{counterpartId}
func (h *InterestHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var body UpdateStatusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	err = h.interests.UpdateStatus(r.Context(), actor, r.PathValue("counterpartId"), domain.InterestStatus(body.Status))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": body.Status})
}

// List handles GET /api/interests
func (h *InterestHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	entries, err := h.interests.ListFor(r.Context(), actor)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	views := make([]InterestView, 0, len(entries))
	for _, e := range entries {
		views = append(views, interestView(e))
	}
	writeJSON(w, http.StatusOK, views)
}
