package presence

import (
	"errors"
	"time"
)

// Kind classifies a failed presence operation. Kinds are stable and are
// sent to clients.
type Kind string

const (
	KindInvalidToken       Kind = "invalid_token"
	KindTokenExpired       Kind = "token_expired"
	KindTokenAlreadyUsed   Kind = "token_already_used"
	KindTokenNoLongerValid Kind = "token_no_longer_valid"
	KindAlreadyCheckedIn   Kind = "already_checked_in"
	KindNoActiveSession    Kind = "no_active_session"
	KindRetryable          Kind = "retryable"
	KindInternal           Kind = "internal"
)

var messages = map[Kind]string{
	KindInvalidToken:       "Invalid QR code.",
	KindTokenExpired:       "This QR code has expired, scan the latest code.",
	KindTokenAlreadyUsed:   "This QR code has already been used.",
	KindTokenNoLongerValid: "This QR code is no longer valid, scan the latest code.",
	KindAlreadyCheckedIn:   "You are already checked in.",
	KindNoActiveSession:    "You have no active check-in to check out from.",
	KindRetryable:          "The station is busy, please try again.",
	KindInternal:           "Something went wrong, please try again later.",
}

// Error is returned by Manager operations. Message is safe to show to the
// scanning user; the wrapped cause is for logs only.
type Error struct {
	Kind    Kind
	Message string

	// CheckedInAt is set for KindAlreadyCheckedIn when the open
	// attendance time is known.
	CheckedInAt *time.Time

	cause error
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrInvalidToken       = &Error{Kind: KindInvalidToken, Message: messages[KindInvalidToken]}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired, Message: messages[KindTokenExpired]}
	ErrTokenAlreadyUsed   = &Error{Kind: KindTokenAlreadyUsed, Message: messages[KindTokenAlreadyUsed]}
	ErrTokenNoLongerValid = &Error{Kind: KindTokenNoLongerValid, Message: messages[KindTokenNoLongerValid]}
	ErrAlreadyCheckedIn   = &Error{Kind: KindAlreadyCheckedIn, Message: messages[KindAlreadyCheckedIn]}
	ErrNoActiveSession    = &Error{Kind: KindNoActiveSession, Message: messages[KindNoActiveSession]}
	ErrRetryable          = &Error{Kind: KindRetryable, Message: messages[KindRetryable]}
	ErrInternal           = &Error{Kind: KindInternal, Message: messages[KindInternal]}
)

// Errors that are not scan outcomes.
var (
	ErrSessionNotFound = errors.New("presence: session not found")
	ErrInvalidRequest  = errors.New("presence: invalid request")
)

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: messages[kind], cause: cause}
}

func alreadyCheckedIn(since time.Time, loc *time.Location, cause error) *Error {
	e := newError(KindAlreadyCheckedIn, cause)
	if !since.IsZero() {
		at := since.UTC()
		e.CheckedInAt = &at
		e.Message = "You are already checked in since " + since.In(loc).Format("15:04") + "."
	}
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return "presence: " + string(e.Kind) + ": " + e.cause.Error()
	}
	return "presence: " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
