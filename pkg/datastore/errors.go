package datastore

import "errors"

var (
	ErrNotFound          = errors.New("datastore: not found")
	ErrDuplicateNonce    = errors.New("datastore: duplicate nonce")
	ErrDuplicateHash     = errors.New("datastore: duplicate token hash")
	ErrInvalidTransition = errors.New("datastore: invalid state transition")
	ErrAttendanceOpen    = errors.New("datastore: user already has an open attendance")

	// ErrActiveSessionExists is returned by CreateSession when the issuer
	// already holds an active session of the same type. It happens when two
	// issuance transactions race; retrying revokes the winner's session.
	ErrActiveSessionExists = errors.New("datastore: issuer already has an active session of this type")

	// ErrTransient marks lock timeouts and busy databases. The operation
	// may succeed if retried.
	ErrTransient = errors.New("datastore: transient failure")
)
