package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/service"
)

// RequestView is the wire shape of a match request.
type RequestView struct {
	ID           string    `json:"id"`
	SenderRole   string    `json:"senderRole"`
	SenderParty  string    `json:"senderPartyId"`
	ReceiverRole string    `json:"receiverRole"`
	ReceiverPart string    `json:"receiverPartyId"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

func requestView(req *domain.Request) RequestView {
	return RequestView{
		ID:           req.ID,
		SenderRole:   string(req.SenderRole),
		SenderParty:  req.SenderPartyID,
		ReceiverRole: string(req.ReceiverRole),
		ReceiverPart: req.ReceiverPartyID,
		Status:       string(req.Status),
		CreatedAt:    req.CreatedAt,
	}
}

// SendRequestBody is the POST /api/requests payload.
type SendRequestBody struct {
	ReceiverRole string `json:"receiverRole"`
	ReceiverID   string `json:"receiverId"`
}

// RequestHandler drives the match-request protocol.
type RequestHandler struct {
	matches *service.MatchService
	logger  *slog.Logger
}

// NewRequestHandler creates a new request handler
func NewRequestHandler(matches *service.MatchService, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{matches: matches, logger: logger}
}

// Send handles POST /api/requests
func (h *RequestHandler) Send(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var body SendRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.logger.Error("failed to decode request", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if body.ReceiverID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "receiverId is required"})
		return
	}
	receiverRole, err := domain.ParseRole(body.ReceiverRole)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	req, err := h.matches.Send(r.Context(), actor, receiverRole, body.ReceiverID)
	if err != nil && !domain.IsCode(err, domain.CodeMirrorWriteFailed) {
		writeError(w, h.logger, err)
		return
	}
	if err != nil {
		// The request exists; the mirror repair is already queued. Tell the
		// caller the send landed.
		h.logger.Warn("request created with degraded mirror", slog.String("request_id", req.ID))
	}

	writeJSON(w, http.StatusCreated, requestView(req))
}

// Accept handles POST /api/requests/{id}/accept
func (h *RequestHandler) Accept(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.matches.Accept(r.Context(), actor, r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.InterestAccepted)})
}

// Reject handles POST /api/requests/{id}/reject
func (h *RequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.matches.Reject(r.Context(), actor, r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.InterestRejected)})
}

// Incoming handles GET /api/requests
func (h *RequestHandler) Incoming(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	reqs, err := h.matches.Incoming(r.Context(), actor)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	views := make([]RequestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, requestView(req))
	}
	writeJSON(w, http.StatusOK, views)
}
