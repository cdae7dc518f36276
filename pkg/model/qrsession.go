package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidSessionType = errors.New("invalid session type: must be check_in or check_out")
var ErrInvalidSessionStatus = errors.New("invalid session status")
var ErrMetadataTooLarge = fmt.Errorf("metadata must not exceed %d entries", MaxMetadataEntries)

const MaxMetadataEntries = 16

// SessionType is the attendance intent a QR token was minted for. It is
// fixed at mint time and never re-inferred.
type SessionType string

const (
	SessionCheckIn  SessionType = "check_in"
	SessionCheckOut SessionType = "check_out"
)

// ParseSessionType validates s as a SessionType.
func ParseSessionType(s string) (SessionType, error) {
	t := SessionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionType, s)
	}
	return t, nil
}

// Valid reports whether t is check_in or check_out.
func (t SessionType) Valid() bool {
	return t == SessionCheckIn || t == SessionCheckOut
}

func (t SessionType) String() string { return string(t) }

// SessionStatus is the lifecycle state of a QR session.
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusConsumed SessionStatus = "consumed"
	StatusExpired  SessionStatus = "expired"
	StatusRevoked  SessionStatus = "revoked"
)

// ParseSessionStatus validates s as a SessionStatus.
func ParseSessionStatus(s string) (SessionStatus, error) {
	st := SessionStatus(s)
	switch st {
	case StatusActive, StatusConsumed, StatusExpired, StatusRevoked:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSessionStatus, s)
}

func (s SessionStatus) String() string { return string(s) }

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusConsumed || s == StatusExpired || s == StatusRevoked
}

// CanTransition reports whether the state machine allows s -> to.
// Only active sessions move, and only into a terminal state.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	return s == StatusActive && to.Terminal()
}

// QRSession is the stored record of one minted QR token. The raw token is
// never part of it; only its hash.
type QRSession struct {
	ID           int64             `json:"id" yaml:"id"`
	TokenHash    string            `json:"-" yaml:"-"`
	Nonce        string            `json:"-" yaml:"-"`
	Type         SessionType       `json:"type" yaml:"type"`
	GeneratedBy  int64             `json:"generated_by" yaml:"generated_by"`
	ExpiresAt    time.Time         `json:"expires_at" yaml:"expires_at"`
	Status       SessionStatus     `json:"status" yaml:"status"`
	ConsumedBy   *int64            `json:"consumed_by,omitempty" yaml:"consumed_by,omitempty"`
	ConsumedAt   *time.Time        `json:"consumed_at,omitempty" yaml:"consumed_at,omitempty"`
	AttendanceID *int64            `json:"attendance_id,omitempty" yaml:"attendance_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" yaml:"updated_at"`
}

// IsExpired reports whether the session's expiry is at or before now.
func (s *QRSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Consumable reports whether the session may be consumed at now.
func (s *QRSession) Consumable(now time.Time) bool {
	return s.Status == StatusActive && !s.IsExpired(now)
}

// Validate checks the fields required to persist a new session.
func (s *QRSession) Validate() error {
	if s.TokenHash == "" {
		return errors.New("session token hash must not be empty")
	}
	if s.Nonce == "" {
		return errors.New("session nonce must not be empty")
	}
	if !s.Type.Valid() {
		return ErrInvalidSessionType
	}
	if s.ExpiresAt.IsZero() {
		return errors.New("session expiry must be set")
	}
	if len(s.Metadata) > MaxMetadataEntries {
		return ErrMetadataTooLarge
	}
	return nil
}

// SessionFilters narrows ListSessions. Nil fields are ignored.
type SessionFilters struct {
	Status      *SessionStatus
	GeneratedBy *int64
	Type        *SessionType
	Limit       int
	Offset      int
}
