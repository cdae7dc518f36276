// Package rbac provides role-based access control checks.
package rbac

import "github.com/NicolasHaas/gopresence/pkg/model"

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[model.Permission]bool{
	model.RoleAdmin: {
		model.PermGenerateQR:   true,
		model.PermScanQR:       true,
		model.PermRevokeQR:     true,
		model.PermViewSessions: true,
	},
	model.RoleOperator: {
		model.PermGenerateQR:   true,
		model.PermScanQR:       true,
		model.PermViewSessions: true,
	},
	model.RoleEmployee: {
		model.PermScanQR: true,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm model.Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role model.Role, perm model.Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "permission denied: " + PermName(perm) + " requires higher role"
}

// PermName returns the wire name of a permission.
func PermName(p model.Permission) string {
	switch p {
	case model.PermGenerateQR:
		return "generate_qr"
	case model.PermScanQR:
		return "scan_qr"
	case model.PermRevokeQR:
		return "revoke_qr"
	case model.PermViewSessions:
		return "view_sessions"
	default:
		return "unknown"
	}
}
