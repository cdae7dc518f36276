package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/gopresence/pkg/model"
)

// DataProviderFactory hands out non-transactional and transactional views
// of the store.
type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

// DataStoreTx is a DataStore bound to one transaction. Row locks taken by
// LockForConsumption are held until Commit or Rollback.
type DataStoreTx interface {
	DataStore
	SessionLockProvider
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for QR sessions and the
// attendance records they produce. All session row mutations go through
// these methods.
type DataStore interface {
	SessionReadProvider
	SessionWriteProvider

	AttendanceReadProvider
	AttendanceWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type SessionReadProvider interface {
	GetSession(ctx context.Context, id int64) (*model.QRSession, error)
	ListSessions(ctx context.Context, filters model.SessionFilters) ([]model.QRSession, error)
	CountSessionsByStatus(ctx context.Context) (map[model.SessionStatus]int64, error)
	FindActiveExpiredUnclaimed(ctx context.Context, now time.Time, limit int) ([]model.QRSession, error)
}

type SessionWriteProvider interface {
	CreateSession(ctx context.Context, session *model.QRSession) error
	RevokeActiveByIssuerAndType(ctx context.Context, issuerID int64, sessionType model.SessionType, now time.Time) (int64, error)
	RevokeAllActive(ctx context.Context, issuerID *int64, now time.Time) (int64, error)
	TransitionToConsumed(ctx context.Context, id, consumerID, attendanceID int64, at time.Time) error
	TransitionToExpired(ctx context.Context, id int64, at time.Time) error
	TransitionToRevoked(ctx context.Context, id int64, at time.Time) error
}

type SessionLockProvider interface {
	// LockForConsumption fetches the session for nonce and locks it for the
	// rest of the transaction. Returns ErrNotFound if no session exists.
	LockForConsumption(ctx context.Context, nonce string) (*model.QRSession, error)
}

type AttendanceReadProvider interface {
	// GetOpenAttendance returns the user's attendance without a check-out,
	// or (nil, nil) if there is none.
	GetOpenAttendance(ctx context.Context, userID int64) (*model.Attendance, error)
	GetAttendance(ctx context.Context, id int64) (*model.Attendance, error)
}

type AttendanceWriteProvider interface {
	CreateAttendance(ctx context.Context, attendance *model.Attendance) error
	CloseAttendance(ctx context.Context, id int64, at time.Time) error
}
