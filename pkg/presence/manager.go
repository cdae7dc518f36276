// Package presence issues and consumes single-use QR tokens that prove an
// employee was physically at a station.
//
// A Manager mints a short-lived signed token per issuer and intent,
// persists only its hash and nonce, and on scan verifies the signature,
// locks the session row, records attendance and marks the session
// consumed in one transaction. Every failure is reported as an *Error
// whose Kind is stable and whose Message is safe to show to users.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/gopresence/pkg/attendance"
	"github.com/NicolasHaas/gopresence/pkg/clock"
	"github.com/NicolasHaas/gopresence/pkg/crypto"
	"github.com/NicolasHaas/gopresence/pkg/datastore"
	"github.com/NicolasHaas/gopresence/pkg/model"
	"github.com/NicolasHaas/gopresence/pkg/qrtoken"
)

// Token lifetime bounds.
const (
	MinTTL     = 10 * time.Second
	MaxTTL     = 120 * time.Second
	DefaultTTL = 30 * time.Second
)

const (
	// mintAttempts bounds regeneration after a nonce collision.
	mintAttempts = 2
	// issueAttempts bounds retries when concurrent issuance for the same
	// issuer and intent loses the race for the active slot.
	issueAttempts = 4
	// sweepBatch is the number of sessions PurgeExpired expires per query.
	sweepBatch = 200
)

// Codec mints and verifies signed tokens.
type Codec interface {
	Mint(p qrtoken.Payload) (string, error)
	Verify(token string) (*qrtoken.Payload, error)
}

var _ Codec = (*qrtoken.Codec)(nil)

// Dependencies are the collaborators of a Manager. Store and Codec are
// required; the rest default to a real clock, the attendance ledger,
// slog.Default() and no metrics.
type Dependencies struct {
	Store    datastore.DataProviderFactory
	Codec    Codec
	Recorder attendance.Recorder
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  Metrics
}

// Options tune token issuance.
type Options struct {
	TTL           time.Duration  // clamped to [MinTTL, MaxTTL]; 0 = DefaultTTL
	CheckoutAfter int            // hour for IntentForTime; 0 = DefaultCheckoutAfter
	Location      *time.Location // for intent and user-facing times; nil = time.Local
}

// Issued is a freshly minted token. Token is the only copy of the raw
// token; it is never stored.
type Issued struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	SessionID int64             `json:"session_id"`
	Type      model.SessionType `json:"type"`
	TTL       time.Duration     `json:"-"`
}

// Result describes a successful scan.
type Result struct {
	SessionID  int64             `json:"session_id"`
	Type       model.SessionType `json:"type"`
	Attendance *model.Attendance `json:"attendance"`
}

// Manager owns the QR session lifecycle.
type Manager struct {
	store    datastore.DataProviderFactory
	codec    Codec
	recorder attendance.Recorder
	clock    clock.Clock
	logger   *slog.Logger
	metrics  Metrics

	ttl           time.Duration
	checkoutAfter int
	loc           *time.Location
}

// ClampTTL bounds d to [MinTTL, MaxTTL], mapping 0 to DefaultTTL. The
// second result reports whether d was changed.
func ClampTTL(d time.Duration) (time.Duration, bool) {
	switch {
	case d == 0:
		return DefaultTTL, false
	case d < MinTTL:
		return MinTTL, true
	case d > MaxTTL:
		return MaxTTL, true
	}
	return d, false
}

// New creates a Manager.
func New(deps Dependencies, opts Options) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("presence: store is required")
	}
	if deps.Codec == nil {
		return nil, errors.New("presence: codec is required")
	}
	m := &Manager{
		store:         deps.Store,
		codec:         deps.Codec,
		recorder:      deps.Recorder,
		clock:         deps.Clock,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		checkoutAfter: opts.CheckoutAfter,
		loc:           opts.Location,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.recorder == nil {
		m.recorder = attendance.New(m.logger)
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.metrics == nil {
		m.metrics = nopMetrics{}
	}
	if m.loc == nil {
		m.loc = time.Local
	}
	if m.checkoutAfter <= 0 || m.checkoutAfter > 23 {
		m.checkoutAfter = DefaultCheckoutAfter
	}

	ttl, clamped := ClampTTL(opts.TTL)
	if clamped {
		m.logger.Warn("qr ttl out of bounds, clamped", "requested", opts.TTL, "ttl", ttl)
	}
	m.ttl = ttl
	return m, nil
}

// TTL returns the effective token lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// ResolveIntent returns t, or the intent for the current time when t is
// empty.
func (m *Manager) ResolveIntent(t model.SessionType) model.SessionType {
	if t != "" {
		return t
	}
	return IntentForTime(m.clock.Now().In(m.loc), m.checkoutAfter)
}

// ---- Issuance ----

// Generate revokes the issuer's active sessions of the same intent and
// mints a replacement. An empty sessionType is resolved by IntentForTime.
func (m *Manager) Generate(ctx context.Context, issuerID int64, sessionType model.SessionType, metadata map[string]string) (*Issued, error) {
	sessionType = m.ResolveIntent(sessionType)
	if !sessionType.Valid() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, model.ErrInvalidSessionType)
	}
	if len(metadata) > model.MaxMetadataEntries {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, model.ErrMetadataTooLarge)
	}

	var lastErr error
	collisions := 0
	for attempt := 0; attempt < issueAttempts; attempt++ {
		issued, revoked, err := m.generateOnce(ctx, issuerID, sessionType, metadata)
		if err == nil {
			m.metrics.TokenIssued()
			if revoked > 0 {
				m.metrics.SessionsRevoked(revoked)
			}
			m.logger.Info("qr session issued",
				"session_id", issued.SessionID,
				"issuer_id", issuerID,
				"type", sessionType,
				"expires_at", issued.ExpiresAt,
				"revoked", revoked,
			)
			return issued, nil
		}
		switch {
		case errors.Is(err, datastore.ErrDuplicateNonce):
			collisions++
			if collisions >= mintAttempts {
				return nil, m.storeError("generate", err)
			}
			m.logger.Warn("nonce collision, regenerating", "issuer_id", issuerID, "attempt", attempt+1)
		case errors.Is(err, datastore.ErrActiveSessionExists):
			m.logger.Debug("concurrent qr issuance, retrying", "issuer_id", issuerID, "type", sessionType, "attempt", attempt+1)
		default:
			return nil, m.storeError("generate", err)
		}
		lastErr = err
	}
	m.logger.Warn("qr issuance kept losing to concurrent issuers", "issuer_id", issuerID, "type", sessionType, "err", lastErr)
	return nil, newError(KindRetryable, lastErr)
}

func (m *Manager) generateOnce(ctx context.Context, issuerID int64, sessionType model.SessionType, metadata map[string]string) (*Issued, int64, error) {
	tx, err := m.store.Tx(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := m.clock.Now()
	revoked, err := tx.RevokeActiveByIssuerAndType(ctx, issuerID, sessionType, now)
	if err != nil {
		return nil, 0, err
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, 0, fmt.Errorf("presence: generate nonce: %w", err)
	}
	expiresAt := now.Add(m.ttl + time.Second - 1).UTC().Truncate(time.Second)

	token, err := m.codec.Mint(qrtoken.Payload{
		Version:   qrtoken.CurrentVersion,
		Nonce:     nonce,
		IssuerID:  issuerID,
		ExpiresAt: expiresAt.Unix(),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("presence: mint: %w", err)
	}

	session := &model.QRSession{
		TokenHash:   crypto.HashToken(token),
		Nonce:       nonce,
		Type:        sessionType,
		GeneratedBy: issuerID,
		ExpiresAt:   expiresAt,
		Metadata:    metadata,
		CreatedAt:   now,
	}
	if err := tx.CreateSession(ctx, session); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}

	return &Issued{
		Token:     token,
		ExpiresAt: expiresAt,
		SessionID: session.ID,
		Type:      sessionType,
		TTL:       m.ttl,
	}, revoked, nil
}

// ---- Validation ----

// ValidateAndConsume verifies token, records attendance for
// scanningUserID and consumes the session. At most one call succeeds per
// token. All errors are *Error.
func (m *Manager) ValidateAndConsume(ctx context.Context, token string, scanningUserID int64) (*Result, error) {
	res, err := m.validateAndConsume(ctx, token, scanningUserID)
	if err != nil {
		var perr *Error
		if !errors.As(err, &perr) {
			perr = m.storeError("validate", err)
		}
		m.metrics.ValidationFailed(perr.Kind)
		return nil, perr
	}
	m.metrics.ValidationSucceeded()
	return res, nil
}

func (m *Manager) validateAndConsume(ctx context.Context, token string, userID int64) (*Result, error) {
	payload, err := m.codec.Verify(token)
	if err != nil {
		if errors.Is(err, qrtoken.ErrSignatureMismatch) {
			m.logger.Warn("qr token signature mismatch", "user_id", userID)
		} else {
			m.logger.Debug("qr token rejected", "user_id", userID, "reason", err)
		}
		return nil, newError(KindInvalidToken, err)
	}

	tx, err := m.store.Tx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	session, err := tx.LockForConsumption(ctx, payload.Nonce)
	if errors.Is(err, datastore.ErrNotFound) {
		m.logger.Warn("qr token with unknown nonce", "user_id", userID)
		return nil, newError(KindInvalidToken, err)
	}
	if err != nil {
		return nil, err
	}
	if session.ExpiresAt.Unix() != payload.ExpiresAt || session.GeneratedBy != payload.IssuerID {
		m.logger.Warn("qr token disagrees with stored session", "user_id", userID, "session_id", session.ID)
		return nil, newError(KindInvalidToken, errors.New("payload does not match stored session"))
	}

	now := m.clock.Now()
	switch session.Status {
	case model.StatusConsumed:
		var consumedBy int64
		if session.ConsumedBy != nil {
			consumedBy = *session.ConsumedBy
		}
		m.logger.Warn("qr token replay", "user_id", userID, "session_id", session.ID, "consumed_by", consumedBy)
		return nil, newError(KindTokenAlreadyUsed, nil)
	case model.StatusRevoked:
		m.logger.Info("revoked qr token scanned", "user_id", userID, "session_id", session.ID)
		return nil, newError(KindTokenNoLongerValid, nil)
	case model.StatusExpired:
		return nil, newError(KindTokenExpired, nil)
	case model.StatusActive:
	default:
		return nil, fmt.Errorf("presence: session %d has unknown status %q", session.ID, session.Status)
	}

	if !session.Consumable(now) {
		if err := tx.TransitionToExpired(ctx, session.ID, now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		m.logger.Info("expired qr token scanned", "user_id", userID, "session_id", session.ID)
		return nil, newError(KindTokenExpired, nil)
	}

	var record *model.Attendance
	switch session.Type {
	case model.SessionCheckIn:
		record, err = m.recorder.CheckIn(ctx, tx, userID, session.ID, now)
		var open *attendance.AlreadyCheckedInError
		if errors.As(err, &open) {
			return nil, alreadyCheckedIn(open.Since, m.loc, err)
		}
	case model.SessionCheckOut:
		record, err = m.recorder.CheckOut(ctx, tx, userID, session.ID, now)
		if errors.Is(err, attendance.ErrNotCheckedIn) {
			return nil, newError(KindNoActiveSession, err)
		}
	default:
		return nil, fmt.Errorf("presence: session %d: %w", session.ID, model.ErrInvalidSessionType)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.TransitionToConsumed(ctx, session.ID, userID, record.ID, now); err != nil {
		if errors.Is(err, datastore.ErrInvalidTransition) {
			return nil, newError(KindTokenAlreadyUsed, err)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	m.logger.Info("qr session consumed",
		"session_id", session.ID,
		"user_id", userID,
		"type", session.Type,
		"attendance_id", record.ID,
	)
	return &Result{SessionID: session.ID, Type: session.Type, Attendance: record}, nil
}

// ---- Maintenance ----

// RevokeAll revokes every active session, or only those of issuerID when
// it is non-nil.
func (m *Manager) RevokeAll(ctx context.Context, issuerID *int64) (int64, error) {
	n, err := m.store.NonTx().RevokeAllActive(ctx, issuerID, m.clock.Now())
	if err != nil {
		return 0, m.storeError("revoke", err)
	}
	m.metrics.SessionsRevoked(n)
	if issuerID != nil {
		m.logger.Info("qr sessions revoked", "count", n, "issuer_id", *issuerID)
	} else {
		m.logger.Info("qr sessions revoked", "count", n)
	}
	return n, nil
}

// PurgeExpired marks active sessions past their expiry as expired. It is
// idempotent. Sessions consumed or revoked while the sweep runs are left
// alone.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	ds := m.store.NonTx()
	now := m.clock.Now()

	var swept []int64
	for {
		candidates, err := ds.FindActiveExpiredUnclaimed(ctx, now, sweepBatch)
		if err != nil {
			return int64(len(swept)), m.storeError("purge", err)
		}
		for _, s := range candidates {
			err := ds.TransitionToExpired(ctx, s.ID, now)
			if errors.Is(err, datastore.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return int64(len(swept)), m.storeError("purge", err)
			}
			swept = append(swept, s.ID)
		}
		if len(candidates) < sweepBatch {
			break
		}
	}

	n := int64(len(swept))
	m.metrics.SessionsSwept(n)
	if n > 0 {
		m.logger.Info("expired qr sessions swept", "count", n)
		m.logger.Debug("swept qr sessions", "session_ids", swept)
	}
	return n, nil
}

// Sessions lists stored sessions. Raw tokens are never stored, so none
// are returned.
func (m *Manager) Sessions(ctx context.Context, filters model.SessionFilters) ([]model.QRSession, error) {
	sessions, err := m.store.NonTx().ListSessions(ctx, filters)
	if err != nil {
		return nil, m.storeError("list sessions", err)
	}
	return sessions, nil
}

// Session returns one stored session.
func (m *Manager) Session(ctx context.Context, id int64) (*model.QRSession, error) {
	session, err := m.store.NonTx().GetSession(ctx, id)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, m.storeError("get session", err)
	}
	return session, nil
}

// Counts returns the number of sessions per status.
func (m *Manager) Counts(ctx context.Context) (map[model.SessionStatus]int64, error) {
	counts, err := m.store.NonTx().CountSessionsByStatus(ctx)
	if err != nil {
		return nil, m.storeError("count sessions", err)
	}
	return counts, nil
}

// storeError maps infrastructure failures to KindRetryable or
// KindInternal.
func (m *Manager) storeError(op string, err error) *Error {
	if errors.Is(err, datastore.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		m.logger.Warn("store busy", "op", op, "err", err)
		return newError(KindRetryable, err)
	}
	m.logger.Error("presence operation failed", "op", op, "err", err)
	return newError(KindInternal, err)
}
