package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NicolasHaas/gopresence/pkg/model"
)

const sessionColumns = "id, token_hash, nonce, type, generated_by, expires_at, status, consumed_by, consumed_at, attendance_id, metadata, created_at, updated_at"

const defaultListLimit = 100

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*model.QRSession, error) {
	var (
		s                                    model.QRSession
		sessionType, status, metadata        string
		expiresAt, createdAt, updatedAt      int64
		consumedBy, consumedAt, attendanceID sql.NullInt64
	)
	if err := r.Scan(&s.ID, &s.TokenHash, &s.Nonce, &sessionType, &s.GeneratedBy, &expiresAt, &status,
		&consumedBy, &consumedAt, &attendanceID, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.Type = model.SessionType(sessionType)
	s.Status = model.SessionStatus(status)
	s.ExpiresAt = fromUnix(expiresAt)
	s.CreatedAt = fromUnix(createdAt)
	s.UpdatedAt = fromUnix(updatedAt)
	if consumedBy.Valid {
		v := consumedBy.Int64
		s.ConsumedBy = &v
	}
	if consumedAt.Valid {
		v := fromUnix(consumedAt.Int64)
		s.ConsumedAt = &v
	}
	if attendanceID.Valid {
		v := attendanceID.Int64
		s.AttendanceID = &v
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &s.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &s, nil
}

// ---- Sessions ----

// CreateSession inserts a new active session and sets its ID and timestamps.
func (p *baseProvider) CreateSession(ctx context.Context, session *model.QRSession) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("datastore: create session: %w", err)
	}
	metadata := "{}"
	if len(session.Metadata) > 0 {
		b, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("datastore: create session: encode metadata: %w", err)
		}
		metadata = string(b)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.CreatedAt = session.CreatedAt.UTC().Truncate(time.Second)
	session.UpdatedAt = session.CreatedAt
	session.Status = model.StatusActive

	err := p.queryRow(ctx,
		"INSERT INTO qr_sessions (token_hash, nonce, type, generated_by, expires_at, status, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id",
		session.TokenHash, session.Nonce, string(session.Type), session.GeneratedBy, toUnix(session.ExpiresAt),
		string(model.StatusActive), metadata, toUnix(session.CreatedAt), toUnix(session.UpdatedAt),
	).Scan(&session.ID)
	if err != nil {
		if constraint, ok := p.d.uniqueViolation(err); ok {
			switch {
			case strings.Contains(constraint, "nonce"):
				return fmt.Errorf("datastore: create session: %w", ErrDuplicateNonce)
			case strings.Contains(constraint, "token_hash"):
				return fmt.Errorf("datastore: create session: %w", ErrDuplicateHash)
			case strings.Contains(constraint, "active_issuer"), strings.Contains(constraint, "generated_by"):
				return fmt.Errorf("datastore: create session: %w", ErrActiveSessionExists)
			}
		}
		return p.d.wrap("create session", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (p *baseProvider) GetSession(ctx context.Context, id int64) (*model.QRSession, error) {
	session, err := scanSession(p.queryRow(ctx, "SELECT "+sessionColumns+" FROM qr_sessions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("datastore: get session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, p.d.wrap("get session", err)
	}
	return session, nil
}

// LockForConsumption fetches the session for nonce and holds its lock
// until the transaction ends.
func (p *txProvider) LockForConsumption(ctx context.Context, nonce string) (*model.QRSession, error) {
	session, err := scanSession(p.queryRow(ctx, "SELECT "+sessionColumns+" FROM qr_sessions WHERE nonce = ?"+p.d.lockSuffix, nonce))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("datastore: lock session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, p.d.wrap("lock session", err)
	}
	return session, nil
}

// ListSessions returns sessions matching filters, newest first.
func (p *baseProvider) ListSessions(ctx context.Context, filters model.SessionFilters) ([]model.QRSession, error) {
	var (
		where []string
		args  []any
	)
	if filters.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filters.Status))
	}
	if filters.GeneratedBy != nil {
		where = append(where, "generated_by = ?")
		args = append(args, *filters.GeneratedBy)
	}
	if filters.Type != nil {
		where = append(where, "type = ?")
		args = append(args, string(*filters.Type))
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := "SELECT " + sessionColumns + " FROM qr_sessions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filters.Offset)

	return p.listSessions(ctx, "list sessions", query, args...)
}

// FindActiveExpiredUnclaimed returns active sessions whose expiry is at or
// before now, oldest expiry first.
func (p *baseProvider) FindActiveExpiredUnclaimed(ctx context.Context, now time.Time, limit int) ([]model.QRSession, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return p.listSessions(ctx, "find expired sessions",
		"SELECT "+sessionColumns+" FROM qr_sessions WHERE status = ? AND expires_at <= ? ORDER BY expires_at, id LIMIT ?",
		string(model.StatusActive), toUnix(now), limit)
}

func (p *baseProvider) listSessions(ctx context.Context, op, query string, args ...any) ([]model.QRSession, error) {
	rows, err := p.query(ctx, query, args...)
	if err != nil {
		return nil, p.d.wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []model.QRSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, p.d.wrap(op, err)
	}
	return sessions, nil
}

// CountSessionsByStatus returns the number of sessions in each status.
func (p *baseProvider) CountSessionsByStatus(ctx context.Context) (map[model.SessionStatus]int64, error) {
	rows, err := p.query(ctx, "SELECT status, COUNT(*) FROM qr_sessions GROUP BY status")
	if err != nil {
		return nil, p.d.wrap("count sessions", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.SessionStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("datastore: scan session count: %w", err)
		}
		counts[model.SessionStatus(status)] = n
	}
	return counts, rows.Err()
}

// RevokeActiveByIssuerAndType revokes every active session of issuer for
// one intent.
func (p *baseProvider) RevokeActiveByIssuerAndType(ctx context.Context, issuerID int64, sessionType model.SessionType, now time.Time) (int64, error) {
	return p.bulkUpdate(ctx, "revoke sessions",
		"UPDATE qr_sessions SET status = ?, updated_at = ? WHERE generated_by = ? AND type = ? AND status = ?",
		string(model.StatusRevoked), toUnix(now), issuerID, string(sessionType), string(model.StatusActive))
}

// RevokeAllActive revokes every active session, optionally only those of
// one issuer.
func (p *baseProvider) RevokeAllActive(ctx context.Context, issuerID *int64, now time.Time) (int64, error) {
	if issuerID != nil {
		return p.bulkUpdate(ctx, "revoke all sessions",
			"UPDATE qr_sessions SET status = ?, updated_at = ? WHERE generated_by = ? AND status = ?",
			string(model.StatusRevoked), toUnix(now), *issuerID, string(model.StatusActive))
	}
	return p.bulkUpdate(ctx, "revoke all sessions",
		"UPDATE qr_sessions SET status = ?, updated_at = ? WHERE status = ?",
		string(model.StatusRevoked), toUnix(now), string(model.StatusActive))
}

func (p *baseProvider) bulkUpdate(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := p.exec(ctx, query, args...)
	if err != nil {
		return 0, p.d.wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, p.d.wrap(op, err)
	}
	return n, nil
}

// ---- Transitions ----

// TransitionToConsumed records a successful scan. Fails with
// ErrInvalidTransition unless the session is active.
func (p *baseProvider) TransitionToConsumed(ctx context.Context, id, consumerID, attendanceID int64, at time.Time) error {
	return p.transition(ctx, id, model.StatusConsumed,
		"UPDATE qr_sessions SET status = ?, updated_at = ?, consumed_by = ?, consumed_at = ?, attendance_id = ? WHERE id = ? AND status = ?",
		string(model.StatusConsumed), toUnix(at), consumerID, toUnix(at), attendanceID, id, string(model.StatusActive))
}

// TransitionToExpired marks an active session expired.
func (p *baseProvider) TransitionToExpired(ctx context.Context, id int64, at time.Time) error {
	return p.transition(ctx, id, model.StatusExpired,
		"UPDATE qr_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(model.StatusExpired), toUnix(at), id, string(model.StatusActive))
}

// TransitionToRevoked marks an active session revoked.
func (p *baseProvider) TransitionToRevoked(ctx context.Context, id int64, at time.Time) error {
	return p.transition(ctx, id, model.StatusRevoked,
		"UPDATE qr_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(model.StatusRevoked), toUnix(at), id, string(model.StatusActive))
}

// transition runs a compare-and-swap update guarded by status = 'active'.
// When nothing was updated it reports whether the row is missing or
// already terminal.
func (p *baseProvider) transition(ctx context.Context, id int64, to model.SessionStatus, query string, args ...any) error {
	op := "transition to " + string(to)
	n, err := p.bulkUpdate(ctx, op, query, args...)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = p.queryRow(ctx, "SELECT status FROM qr_sessions WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("datastore: %s: session %d: %w", op, id, ErrNotFound)
	}
	if err != nil {
		return p.d.wrap(op, err)
	}
	if from := model.SessionStatus(current); from.CanTransition(to) {
		// Still active although the guarded update matched nothing.
		return fmt.Errorf("datastore: %s: session %d: %w", op, id, ErrTransient)
	}
	return fmt.Errorf("datastore: %s: session %d is %s: %w", op, id, current, ErrInvalidTransition)
}
