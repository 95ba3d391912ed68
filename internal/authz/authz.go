// Package authz decides whether a user may open an SSH terminal to a host.
package authz

import (
	"errors"

	"github.com/patchwork-sh/patchwork/internal/database"
	"gorm.io/gorm"
)

// AdminRole always has terminal access, regardless of the permissions table.
const AdminRole = "admin"

// Decision is the outcome of an authorization check. Reason is recorded in
// the audit log for both grants and denials.
type Decision struct {
	Allowed bool
	Reason  string
}

// Decide checks whether the user may open an SSH terminal to the host.
// A role with no permission row is denied: missing configuration fails
// closed, never open.
func Decide(user *database.User, host *database.Host) (Decision, error) {
	if user.Role == AdminRole {
		return Decision{Allowed: true, Reason: "Administrator role"}, nil
	}

	perm, err := database.GetRolePermission(user.Role)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Decision{Allowed: false, Reason: "No permissions defined for role"}, nil
		}
		return Decision{}, err
	}

	if !perm.CanManageHosts {
		return Decision{Allowed: false, Reason: "Missing can_manage_hosts permission"}, nil
	}

	return Decision{Allowed: true, Reason: "Role has can_manage_hosts permission"}, nil
}
