package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/NicolasHaas/gopresence/pkg/model"
)

const attendanceColumns = "id, user_id, check_in_at, check_out_at, source, qr_session_id"

func scanAttendance(r rowScanner) (*model.Attendance, error) {
	var (
		a           model.Attendance
		checkInAt   int64
		checkOutAt  sql.NullInt64
		source      string
		qrSessionID sql.NullInt64
	)
	if err := r.Scan(&a.ID, &a.UserID, &checkInAt, &checkOutAt, &source, &qrSessionID); err != nil {
		return nil, err
	}
	a.CheckInAt = fromUnix(checkInAt)
	a.Source = model.AttendanceSource(source)
	if checkOutAt.Valid {
		v := fromUnix(checkOutAt.Int64)
		a.CheckOutAt = &v
	}
	if qrSessionID.Valid {
		v := qrSessionID.Int64
		a.QRSessionID = &v
	}
	return &a, nil
}

// ---- Attendance ----

// GetOpenAttendance returns the user's attendance that has no check-out,
// or (nil, nil) when the user is not checked in.
func (p *baseProvider) GetOpenAttendance(ctx context.Context, userID int64) (*model.Attendance, error) {
	a, err := scanAttendance(p.queryRow(ctx,
		"SELECT "+attendanceColumns+" FROM attendances WHERE user_id = ? AND check_out_at IS NULL"+p.d.lockSuffix, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, p.d.wrap("get open attendance", err)
	}
	return a, nil
}

// GetAttendance retrieves an attendance record by ID.
func (p *baseProvider) GetAttendance(ctx context.Context, id int64) (*model.Attendance, error) {
	a, err := scanAttendance(p.queryRow(ctx, "SELECT "+attendanceColumns+" FROM attendances WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("datastore: get attendance %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, p.d.wrap("get attendance", err)
	}
	return a, nil
}

// CreateAttendance opens a new attendance record. Fails with
// ErrAttendanceOpen if the user already has one open.
func (p *baseProvider) CreateAttendance(ctx context.Context, a *model.Attendance) error {
	if a.UserID == 0 {
		return fmt.Errorf("datastore: create attendance: user id must be set")
	}
	if a.Source == "" {
		a.Source = model.AttendanceSourceQR
	}
	a.CheckInAt = a.CheckInAt.UTC().Truncate(time.Second)

	var qrSessionID sql.NullInt64
	if a.QRSessionID != nil {
		qrSessionID = sql.NullInt64{Int64: *a.QRSessionID, Valid: true}
	}
	err := p.queryRow(ctx,
		"INSERT INTO attendances (user_id, check_in_at, source, qr_session_id) VALUES (?, ?, ?, ?) RETURNING id",
		a.UserID, toUnix(a.CheckInAt), string(a.Source), qrSessionID,
	).Scan(&a.ID)
	if err != nil {
		if _, ok := p.d.uniqueViolation(err); ok {
			return fmt.Errorf("datastore: create attendance: user %d: %w", a.UserID, ErrAttendanceOpen)
		}
		return p.d.wrap("create attendance", err)
	}
	return nil
}

// CloseAttendance sets the check-out time of an open attendance.
func (p *baseProvider) CloseAttendance(ctx context.Context, id int64, at time.Time) error {
	n, err := p.bulkUpdate(ctx, "close attendance",
		"UPDATE attendances SET check_out_at = ? WHERE id = ? AND check_out_at IS NULL",
		toUnix(at), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("datastore: close attendance %d: %w", id, ErrInvalidTransition)
	}
	return nil
}
