package capability

import (
	"github.com/pml-dev/gateway/pkg/models"
)

// escalations lists the allowed permission-set transitions. De-escalation is
// never allowed and trusted is unreachable by escalation.
var escalations = map[models.PermissionSet]map[models.PermissionSet]bool{
	models.PermissionMinimal: {
		models.PermissionReadonly:    true,
		models.PermissionFilesystem:  true,
		models.PermissionNetworkAPI:  true,
		models.PermissionMCPStandard: true,
	},
	models.PermissionReadonly: {
		models.PermissionFilesystem:  true,
		models.PermissionMCPStandard: true,
	},
	models.PermissionFilesystem: {
		models.PermissionMCPStandard: true,
	},
	models.PermissionNetworkAPI: {
		models.PermissionMCPStandard: true,
	},
	models.PermissionMCPStandard: {},
	models.PermissionTrusted:     {},
}

// CanEscalate reports whether the from→to permission-set transition is
// allowed by the escalation table.
func CanEscalate(from, to models.PermissionSet) bool {
	if from == to {
		return false
	}
	return escalations[from][to]
}

// ValidateEscalation checks a requested permission-set change and returns a
// validation error naming the transition when it is not allowed.
func ValidateEscalation(from, to models.PermissionSet) error {
	if !models.ValidPermissionSet(to) {
		return models.NewError(models.KindValidation, "unknown permission set %q", to)
	}
	if !CanEscalate(from, to) {
		return models.NewError(models.KindValidation,
			"permission escalation %s -> %s is not allowed", from, to)
	}
	return nil
}
