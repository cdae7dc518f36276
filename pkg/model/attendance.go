package model

import "time"

// AttendanceSource identifies how an attendance record was produced.
type AttendanceSource string

const AttendanceSourceQR AttendanceSource = "qr"

// Attendance is one check-in/check-out span for an employee. It is open
// while CheckOutAt is nil.
type Attendance struct {
	ID          int64            `json:"id"`
	UserID      int64            `json:"user_id"`
	CheckInAt   time.Time        `json:"check_in_at"`
	CheckOutAt  *time.Time       `json:"check_out_at,omitempty"`
	Source      AttendanceSource `json:"source"`
	QRSessionID *int64           `json:"qr_session_id,omitempty"`
}

// Open reports whether the attendance has not been checked out yet.
func (a *Attendance) Open() bool {
	return a.CheckOutAt == nil
}

// Duration returns the worked span, or zero while the attendance is open.
func (a *Attendance) Duration() time.Duration {
	if a.CheckOutAt == nil {
		return 0
	}
	return a.CheckOutAt.Sub(a.CheckInAt)
}
