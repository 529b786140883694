package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/security/middleware"
	"github.com/agrimatch/backend/internal/service"
)

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps domain error codes onto HTTP statuses. Unknown errors
// become an opaque 500; their details are logged, not leaked.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var domErr *domain.Error
	if !errors.As(err, &domErr) {
		logger.Error("internal error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch domErr.Code {
	case domain.CodeNotFound:
		status = http.StatusNotFound
	case domain.CodeForbidden:
		status = http.StatusForbidden
	case domain.CodeUnavailable, domain.CodeNotActive, domain.CodeMissingDocument:
		status = http.StatusBadRequest
	case domain.CodeConflict:
		status = http.StatusConflict
	case domain.CodePreconditionFailed:
		status = http.StatusPreconditionFailed
	case domain.CodeMirrorWriteFailed:
		// The primary write landed; the caller should not blindly retry.
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed", slog.String("code", string(domErr.Code)), slog.String("error", domErr.Error()))
	}
	writeJSON(w, status, errorResponse{Error: domErr.Message, Code: string(domErr.Code)})
}

// actorFromRequest reads the authenticated identity placed in the context
// by the JWT middleware.
func actorFromRequest(r *http.Request) (service.Actor, error) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		return service.Actor{}, domain.E(domain.CodeForbidden, "missing identity")
	}
	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return service.Actor{}, domain.E(domain.CodeForbidden, "unknown role %q", claims.Role)
	}
	return service.Actor{UserID: claims.UserID, Role: role}, nil
}
