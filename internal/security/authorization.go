package security

import (
	"fmt"
	"log/slog"
)

// Role mirrors the three marketplace participant kinds.
type Role string

const (
	RoleLandowner Role = "landowner"
	RoleFarmer    Role = "farmer"
	RoleBuyer     Role = "buyer"
)

// Permission represents an action permission
type Permission string

const (
	PermBrowseDirectory   Permission = "browse_directory"
	PermExpressInterest   Permission = "express_interest"
	PermSendRequest       Permission = "send_request"
	PermRespondRequest    Permission = "respond_request"
	PermCreateLandLease   Permission = "create_land_lease"
	PermCreateCropSale    Permission = "create_crop_sale"
	PermApproveContract   Permission = "approve_contract"
	PermReportProgress    Permission = "report_progress"
	PermCompleteContract  Permission = "complete_contract"
	PermCancelContract    Permission = "cancel_contract"
	PermViewOwnContracts  Permission = "view_own_contracts"
)

// RolePermissions maps roles to their permissions. The farmer sits in the
// middle of both contract kinds and therefore holds the widest set.
var RolePermissions = map[Role][]Permission{
	RoleLandowner: {
		PermBrowseDirectory,
		PermExpressInterest,
		PermSendRequest,
		PermRespondRequest,
		PermCreateLandLease,
		PermApproveContract,
		PermReportProgress,
		PermCompleteContract,
		PermCancelContract,
		PermViewOwnContracts,
	},
	RoleFarmer: {
		PermBrowseDirectory,
		PermExpressInterest,
		PermSendRequest,
		PermRespondRequest,
		PermCreateLandLease,
		PermCreateCropSale,
		PermApproveContract,
		PermReportProgress,
		PermCompleteContract,
		PermCancelContract,
		PermViewOwnContracts,
	},
	RoleBuyer: {
		PermBrowseDirectory,
		PermExpressInterest,
		PermSendRequest,
		PermRespondRequest,
		PermCreateCropSale,
		PermApproveContract,
		PermCompleteContract,
		PermCancelContract,
		PermViewOwnContracts,
	},
}

// AuthorizationService answers coarse role-permission questions. Fine
// grained checks (is this party on this contract) live in the services.
type AuthorizationService struct {
	logger *slog.Logger
}

// NewAuthorizationService creates a new authorization service
func NewAuthorizationService(logger *slog.Logger) *AuthorizationService {
	return &AuthorizationService{logger: logger}
}

// HasPermission checks if a role has a specific permission
func (as *AuthorizationService) HasPermission(role Role, permission Permission) bool {
	permissions, exists := RolePermissions[role]
	if !exists {
		return false
	}
	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// ValidatePermission validates that a role has a specific permission
func (as *AuthorizationService) ValidatePermission(role Role, permission Permission) error {
	if !as.HasPermission(role, permission) {
		as.logger.Warn("permission denied",
			slog.String("role", string(role)),
			slog.String("permission", string(permission)),
		)
		return fmt.Errorf("permission denied: %s role cannot %s", role, permission)
	}
	return nil
}

// GetRolePermissions returns all permissions for a role
func (as *AuthorizationService) GetRolePermissions(role Role) []Permission {
	return RolePermissions[role]
}
