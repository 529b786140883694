package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/security"
	"github.com/agrimatch/backend/internal/service"
)

// StageView is the wire shape of one progress stage.
type StageView struct {
	Seq       int              `json:"seq"`
	Name      string           `json:"name"`
	Status    string           `json:"status"`
	Notes     string           `json:"notes,omitempty"`
	Files     []domain.FileRef `json:"files,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// ContractView is the wire shape of a contract.
type ContractView struct {
	ID                string       `json:"id"`
	Kind              string       `json:"kind"`
	Title             string       `json:"title,omitempty"`
	Description       string       `json:"description,omitempty"`
	PartyAID          string       `json:"partyAId"`
	PartyARole        string       `json:"partyARole"`
	PartyBID          string       `json:"partyBId"`
	PartyBRole        string       `json:"partyBRole"`
	Terms             domain.Terms `json:"terms"`
	SignedDocumentRef string       `json:"signedDocumentRef"`
	ApprovedByA       bool         `json:"approvedByA"`
	ApprovedByB       bool         `json:"approvedByB"`
	Status            string       `json:"status"`
	Stages            []StageView  `json:"stages"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

func stageView(s *domain.Stage) StageView {
	return StageView{
		Seq:       s.Seq,
		Name:      s.Name,
		Status:    string(s.Status),
		Notes:     s.Notes,
		Files:     s.Files,
		UpdatedAt: s.UpdatedAt,
	}
}

func contractView(c *domain.Contract) ContractView {
	view := ContractView{
		ID:                c.ID,
		Kind:              string(c.Kind),
		Title:             c.Title,
		Description:       c.Description,
		PartyAID:          c.PartyAID,
		PartyARole:        string(c.PartyARole),
		PartyBID:          c.PartyBID,
		PartyBRole:        string(c.PartyBRole),
		Terms:             c.Terms,
		SignedDocumentRef: c.SignedDocumentRef,
		ApprovedByA:       c.ApprovedByA,
		ApprovedByB:       c.ApprovedByB,
		Status:            string(c.Status),
		Stages:            make([]StageView, 0, len(c.Stages)),
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
	for i := range c.Stages {
		view.Stages = append(view.Stages, stageView(&c.Stages[i]))
	}
	return view
}

// CreateContractBody is the POST /api/contracts payload.
type CreateContractBody struct {
	Kind              string       `json:"kind"`
	CounterpartID     string       `json:"counterpartId"`
	Title             string       `json:"title"`
	Description       string       `json:"description"`
	Terms             domain.Terms `json:"terms"`
	SignedDocumentRef string       `json:"signedDocumentRef"`
}

// ContractHandler drives the contract lifecycle endpoints.
type ContractHandler struct {
	contracts *service.ContractService
	authz     *security.AuthorizationService
	logger    *slog.Logger
}

// NewContractHandler creates a new contract handler
func NewContractHandler(contracts *service.ContractService, authz *security.AuthorizationService, logger *slog.Logger) *ContractHandler {
	return &ContractHandler{contracts: contracts, authz: authz, logger: logger}
}

// Create handles POST /api/contracts
func (h *ContractHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var body CreateContractBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.logger.Error("failed to decode request", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	kind := domain.ContractKind(body.Kind)
	perm := security.PermCreateCropSale
	if kind == domain.KindLand {
		perm = security.PermCreateLandLease
	}
	if err := h.authz.ValidatePermission(security.Role(actor.Role), perm); err != nil {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
		return
	}

	contract, err := h.contracts.Create(r.Context(), actor, service.CreateContractInput{
		Kind:              kind,
		CounterpartID:     body.CounterpartID,
		Title:             body.Title,
		Description:       body.Description,
		Terms:             body.Terms,
		SignedDocumentRef: body.SignedDocumentRef,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, contractView(contract))
}

// Get handles GET /api/contracts/{id}
func (h *ContractHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	contract, err := h.contracts.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, contractView(contract))
}

// List handles GET /api/contracts
func (h *ContractHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	contracts, err := h.contracts.ListFor(r.Context(), actor)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	views := make([]ContractView, 0, len(contracts))
	for _, c := range contracts {
		views = append(views, contractView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

// Stats handles GET /api/contracts/stats
func (h *ContractHandler) Stats(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	stats, err := h.contracts.Stats(r.Context(), actor)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Approve handles POST /api/contracts/{id}/approve
func (h *ContractHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.contracts.Approve)
}

// Complete handles POST /api/contracts/{id}/complete
func (h *ContractHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.contracts.Complete)
}

// Cancel handles POST /api/contracts/{id}/cancel
func (h *ContractHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.contracts.Cancel)
}

func (h *ContractHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, service.Actor, string) (*domain.Contract, error)) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	contract, err := op(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, contractView(contract))
}

// UpdateStageBody is the PUT stage payload.
type UpdateStageBody struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// UpdateStage handles PUT /api/contracts/{id}/stages/{seq}
func (h *ContractHandler) UpdateStage(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	seq, err := strconv.Atoi(r.PathValue("seq"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid stage sequence"})
		return
	}

	var body UpdateStageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	stage, err := h.contracts.UpdateStage(r.Context(), actor, r.PathValue("id"), seq, domain.StageStatus(body.Status), body.Notes)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, stageView(stage))
}

// AttachFilesBody is the stage files payload.
type AttachFilesBody struct {
	Files []domain.FileRef `json:"files"`
}

// AttachStageFiles handles POST /api/contracts/{id}/stages/{seq}/files
func (h *ContractHandler) AttachStageFiles(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	seq, err := strconv.Atoi(r.PathValue("seq"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid stage sequence"})
		return
	}

	var body AttachFilesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	stage, err := h.contracts.AttachStageFiles(r.Context(), actor, r.PathValue("id"), seq, body.Files)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, stageView(stage))
}

// RemoveStageFile handles DELETE /api/contracts/{id}/stages/{seq}/files/{name}
func (h *ContractHandler) RemoveStageFile(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	seq, err := strconv.Atoi(r.PathValue("seq"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid stage sequence"})
		return
	}

	stage, err := h.contracts.RemoveStageFile(r.Context(), actor, r.PathValue("id"), seq, r.PathValue("name"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, stageView(stage))
}

// AppendStageBody is the land progress payload.
type AppendStageBody struct {
	Name  string `json:"name"`
	Notes string `json:"notes"`
}

// AppendStage handles POST /api/contracts/{id}/stages
func (h *ContractHandler) AppendStage(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var body AppendStageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	stage, err := h.contracts.AppendLandStage(r.Context(), actor, r.PathValue("id"), body.Name, body.Notes)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, stageView(stage))
}
