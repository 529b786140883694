package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/security/middleware"
	"github.com/agrimatch/backend/internal/service"
)

// PartyView is the wire shape of a party profile.
type PartyView struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Name        string    `json:"name,omitempty"`
	Status      string    `json:"status"`
	IsAvailable bool      `json:"isAvailable"`
	MatchedID   string    `json:"matchedId,omitempty"`
	MatchedRole string    `json:"matchedRole,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func partyView(p *domain.Party) PartyView {
	return PartyView{
		ID:          p.ID,
		Role:        string(p.Role),
		Name:        p.Name,
		Status:      p.Status,
		IsAvailable: p.IsAvailable,
		MatchedID:   p.MatchedCounterpartID,
		MatchedRole: string(p.MatchedCounterpartRole),
		CreatedAt:   p.CreatedAt,
	}
}

// ProfileHandler serves the caller's own party profile, creating it on
// first access.
type ProfileHandler struct {
	registry *service.RegistryService
	logger   *slog.Logger
}

// NewProfileHandler creates a new profile handler
func NewProfileHandler(registry *service.RegistryService, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{registry: registry, logger: logger}
}

// ServeHTTP handles GET /api/profile
func (h *ProfileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	name := ""
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		name = claims.Name
	}

	party, err := h.registry.GetOrCreate(r.Context(), actor.Role, actor.UserID, name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, partyView(party))
}

// DirectoryHandler lists available parties of one role.
type DirectoryHandler struct {
	registry *service.RegistryService
	logger   *slog.Logger
}

// NewDirectoryHandler creates a new directory handler
func NewDirectoryHandler(registry *service.RegistryService, logger *slog.Logger) *DirectoryHandler {
	return &DirectoryHandler{registry: registry, logger: logger}
}

// ServeHTTP handles GET /api/directory/{role}
func (h *DirectoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := actorFromRequest(r); err != nil {
		writeError(w, h.logger, err)
		return
	}

	role, err := domain.ParseRole(r.PathValue("role"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	parties, err := h.registry.Directory(r.Context(), role)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	views := make([]PartyView, 0, len(parties))
	for _, p := range parties {
		views = append(views, partyView(p))
	}
	writeJSON(w, http.StatusOK, views)
}
