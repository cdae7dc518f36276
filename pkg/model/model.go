// Package model defines the core domain types for gopresence.
package model

// Permission represents a specific action that can be checked against a role.
type Permission int

const (
	PermGenerateQR Permission = iota
	PermScanQR
	PermRevokeQR
	PermViewSessions
)
