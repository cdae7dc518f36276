package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/gopresence/pkg/presence"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Issuance counters
	TokensIssued    atomic.Int64 // QR tokens minted
	RevokedSessions atomic.Int64 // sessions revoked by regeneration or revoke-all
	SweptSessions   atomic.Int64 // active sessions marked expired by the sweeper

	// Validation counters
	ValidationsSucceeded atomic.Int64 // scans that recorded attendance
	InvalidTokens        atomic.Int64 // malformed, forged or unknown tokens
	ExpiredTokens        atomic.Int64 // scans at or after expires_at
	Replays              atomic.Int64 // scans of an already consumed token
	RevokedScans         atomic.Int64 // scans of a superseded token
	BusinessRejections   atomic.Int64 // already checked in, or nothing to check out
	RetryableFailures    atomic.Int64 // lock timeouts and busy stores
	InternalErrors       atomic.Int64 // unexpected failures
}

var _ presence.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

func (m *Metrics) TokenIssued()            { m.TokensIssued.Add(1) }
func (m *Metrics) ValidationSucceeded()    { m.ValidationsSucceeded.Add(1) }
func (m *Metrics) SessionsRevoked(n int64) { m.RevokedSessions.Add(n) }
func (m *Metrics) SessionsSwept(n int64)   { m.SweptSessions.Add(n) }

// ValidationFailed counts a failed scan under its kind.
func (m *Metrics) ValidationFailed(kind presence.Kind) {
	switch kind {
	case presence.KindInvalidToken:
		m.InvalidTokens.Add(1)
	case presence.KindTokenExpired:
		m.ExpiredTokens.Add(1)
	case presence.KindTokenAlreadyUsed:
		m.Replays.Add(1)
	case presence.KindTokenNoLongerValid:
		m.RevokedScans.Add(1)
	case presence.KindAlreadyCheckedIn, presence.KindNoActiveSession:
		m.BusinessRejections.Add(1)
	case presence.KindRetryable:
		m.RetryableFailures.Add(1)
	default:
		m.InternalErrors.Add(1)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	TokensIssued    int64 `json:"tokens_issued"`
	RevokedSessions int64 `json:"revoked_sessions"`
	SweptSessions   int64 `json:"swept_sessions"`

	ValidationsSucceeded int64 `json:"validations_succeeded"`
	InvalidTokens        int64 `json:"invalid_tokens"`
	ExpiredTokens        int64 `json:"expired_tokens"`
	Replays              int64 `json:"replays"`
	RevokedScans         int64 `json:"revoked_scans"`
	BusinessRejections   int64 `json:"business_rejections"`
	RetryableFailures    int64 `json:"retryable_failures"`
	InternalErrors       int64 `json:"internal_errors"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:               uptime.Truncate(time.Second).String(),
		UptimeSeconds:        int64(uptime.Seconds()),
		TokensIssued:         m.TokensIssued.Load(),
		RevokedSessions:      m.RevokedSessions.Load(),
		SweptSessions:        m.SweptSessions.Load(),
		ValidationsSucceeded: m.ValidationsSucceeded.Load(),
		InvalidTokens:        m.InvalidTokens.Load(),
		ExpiredTokens:        m.ExpiredTokens.Load(),
		Replays:              m.Replays.Load(),
		RevokedScans:         m.RevokedScans.Load(),
		BusinessRejections:   m.BusinessRejections.Load(),
		RetryableFailures:    m.RetryableFailures.Load(),
		InternalErrors:       m.InternalErrors.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"tokens_issued", s.TokensIssued,
		"validations_ok", s.ValidationsSucceeded,
		"invalid", s.InvalidTokens,
		"expired", s.ExpiredTokens,
		"replays", s.Replays,
		"retryable", s.RetryableFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
