package model

import "errors"

var ErrInvalidRole = errors.New("invalid role: must be employee (0), operator (1), or admin (2)")

// Role represents a principal's permission level.
type Role int

const (
	RoleEmployee Role = iota // Scans station codes to check in and out
	RoleOperator             // Runs a station display and generates codes
	RoleAdmin                // Everything, including the revoke kill-switch
)

func (r Role) String() string {
	switch r {
	case RoleEmployee:
		return "employee"
	case RoleOperator:
		return "operator"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole converts a string to a Role. Unknown names map to RoleEmployee.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "operator":
		return RoleOperator
	default:
		return RoleEmployee
	}
}

// Valid returns true if the role is a recognised value.
func (r Role) Valid() bool {
	return r >= RoleEmployee && r <= RoleAdmin
}
