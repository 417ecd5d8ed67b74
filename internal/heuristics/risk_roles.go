package heuristics

import "github.com/rawblock/trace-engine/pkg/models"

// Roles an operator can assign to an address.
const (
	RoleTheft      = "theft"
	RoleSanctioned = "sanctioned"
	RoleSuspect    = "suspect"
	RoleMixer      = "mixer"
	RoleExchange   = "exchange"
	RoleService    = "service"
	RoleUnknown    = "unknown"
)

// KnownRoles lists every role accepted by the label endpoints.
var KnownRoles = []string{RoleTheft, RoleSanctioned, RoleSuspect, RoleMixer, RoleExchange, RoleService, RoleUnknown}

// RiskLevelForRole maps investigation roles to node risk level.
func RiskLevelForRole(role string) models.RiskLevel {
	switch role {
	case RoleTheft, RoleSanctioned:
		return models.RiskHigh
	case RoleSuspect, RoleMixer:
		return models.RiskMedium
	case RoleExchange, RoleService:
		return models.RiskLow
	default:
		return models.RiskUnknown
	}
}

// IsKnownRole reports whether role is one of KnownRoles.
func IsKnownRole(role string) bool {
	for _, r := range KnownRoles {
		if r == role {
			return true
		}
	}
	return false
}
