// Package attendance records check-in and check-out spans. Its Recorder
// runs inside the caller's transaction so a QR consumption and the
// attendance it produces commit or roll back together.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/gopresence/pkg/datastore"
	"github.com/NicolasHaas/gopresence/pkg/model"
)

var (
	ErrAlreadyCheckedIn = errors.New("attendance: already checked in")
	ErrNotCheckedIn     = errors.New("attendance: no open check-in")
)

// AlreadyCheckedInError carries the check-in time of the open attendance.
// Since is zero when a concurrent check-in won the race and the open
// record could not be read back.
type AlreadyCheckedInError struct {
	UserID int64
	Since  time.Time
}

func (e *AlreadyCheckedInError) Error() string {
	if e.Since.IsZero() {
		return fmt.Sprintf("attendance: user %d already checked in", e.UserID)
	}
	return fmt.Sprintf("attendance: user %d already checked in since %s", e.UserID, e.Since.Format(time.RFC3339))
}

func (e *AlreadyCheckedInError) Is(target error) bool {
	return target == ErrAlreadyCheckedIn
}

// Store is the slice of the datastore the recorder needs. Pass the
// transaction the session is locked in.
type Store interface {
	datastore.AttendanceReadProvider
	datastore.AttendanceWriteProvider
}

// Recorder marks attendance for a scanning user.
type Recorder interface {
	CheckIn(ctx context.Context, st Store, userID, sessionID int64, at time.Time) (*model.Attendance, error)
	CheckOut(ctx context.Context, st Store, userID, sessionID int64, at time.Time) (*model.Attendance, error)
}

// Ledger is the default Recorder backed by the attendances table.
type Ledger struct {
	logger *slog.Logger
}

var _ Recorder = (*Ledger)(nil)

// New creates a Ledger. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{logger: logger}
}

// CheckIn opens a new attendance for userID. Returns an
// *AlreadyCheckedInError if one is already open.
func (l *Ledger) CheckIn(ctx context.Context, st Store, userID, sessionID int64, at time.Time) (*model.Attendance, error) {
	open, err := st.GetOpenAttendance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("attendance: check in: %w", err)
	}
	if open != nil {
		return nil, &AlreadyCheckedInError{UserID: userID, Since: open.CheckInAt}
	}

	a := &model.Attendance{
		UserID:      userID,
		CheckInAt:   at,
		Source:      model.AttendanceSourceQR,
		QRSessionID: &sessionID,
	}
	if err := st.CreateAttendance(ctx, a); err != nil {
		if errors.Is(err, datastore.ErrAttendanceOpen) {
			return nil, &AlreadyCheckedInError{UserID: userID}
		}
		return nil, fmt.Errorf("attendance: check in: %w", err)
	}

	l.logger.Debug("attendance opened", "user_id", userID, "attendance_id", a.ID, "session_id", sessionID)
	return a, nil
}

// CheckOut closes the user's open attendance. Returns ErrNotCheckedIn if
// there is none.
func (l *Ledger) CheckOut(ctx context.Context, st Store, userID, sessionID int64, at time.Time) (*model.Attendance, error) {
	open, err := st.GetOpenAttendance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("attendance: check out: %w", err)
	}
	if open == nil {
		return nil, fmt.Errorf("attendance: check out user %d: %w", userID, ErrNotCheckedIn)
	}

	at = at.UTC().Truncate(time.Second)
	if err := st.CloseAttendance(ctx, open.ID, at); err != nil {
		if errors.Is(err, datastore.ErrInvalidTransition) {
			return nil, fmt.Errorf("attendance: check out user %d: %w", userID, ErrNotCheckedIn)
		}
		return nil, fmt.Errorf("attendance: check out: %w", err)
	}
	open.CheckOutAt = &at

	l.logger.Debug("attendance closed", "user_id", userID, "attendance_id", open.ID, "session_id", sessionID)
	return open, nil
}
