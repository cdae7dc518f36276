package presence_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NicolasHaas/gopresence/pkg/clock"
	"github.com/NicolasHaas/gopresence/pkg/crypto"
	"github.com/NicolasHaas/gopresence/pkg/datastore"
	"github.com/NicolasHaas/gopresence/pkg/model"
	"github.com/NicolasHaas/gopresence/pkg/presence"
	"github.com/NicolasHaas/gopresence/pkg/qrtoken"

	"github.com/google/go-cmp/cmp"
)

const (
	issuer   int64 = 1
	employee int64 = 42
)

var start = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type countingMetrics struct {
	issued, succeeded, revoked, swept atomic.Int64

	mu     sync.Mutex
	failed map[presence.Kind]int
}

func (c *countingMetrics) TokenIssued()            { c.issued.Add(1) }
func (c *countingMetrics) ValidationSucceeded()    { c.succeeded.Add(1) }
func (c *countingMetrics) SessionsRevoked(n int64) { c.revoked.Add(n) }
func (c *countingMetrics) SessionsSwept(n int64)   { c.swept.Add(n) }
func (c *countingMetrics) ValidationFailed(k presence.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed == nil {
		c.failed = make(map[presence.Kind]int)
	}
	c.failed[k]++
}

type harness struct {
	manager *presence.Manager
	store   *datastore.ProviderFactory
	codec   *qrtoken.Codec
	clock   *clock.FakeClock
	metrics *countingMetrics
}

func newCodec(t *testing.T) *qrtoken.Codec {
	t.Helper()
	secret, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	keys, err := crypto.KeyringFromHex(secret, nil)
	if err != nil {
		t.Fatalf("KeyringFromHex: %v", err)
	}
	codec, err := qrtoken.NewCodec(keys)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := datastore.NewProviderFactory(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:   st,
		codec:   newCodec(t),
		clock:   clock.Fake(start),
		metrics: &countingMetrics{},
	}
	h.manager, err = presence.New(presence.Dependencies{
		Store:   st,
		Codec:   h.codec,
		Clock:   h.clock,
		Metrics: h.metrics,
	}, presence.Options{Location: time.UTC})
	if err != nil {
		t.Fatalf("presence.New: %v", err)
	}
	return h
}

func (h *harness) generate(t *testing.T, typ model.SessionType) *presence.Issued {
	t.Helper()
	issued, err := h.manager.Generate(context.Background(), issuer, typ, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return issued
}

func (h *harness) status(t *testing.T, id int64) model.SessionStatus {
	t.Helper()
	s, err := h.manager.Session(context.Background(), id)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	return s.Status
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := presence.New(presence.Dependencies{}, presence.Options{}); err == nil {
		t.Fatal("expected error without store")
	}
	st, err := datastore.NewProviderFactory(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer func() { _ = st.Close() }()
	if _, err := presence.New(presence.Dependencies{Store: st}, presence.Options{}); err == nil {
		t.Fatal("expected error without codec")
	}
}

func TestClampTTL(t *testing.T) {
	t.Parallel()

	tcases := map[string]struct {
		in          time.Duration
		want        time.Duration
		wantClamped bool
	}{
		"zero_is_default": {in: 0, want: presence.DefaultTTL},
		"in_range":        {in: 45 * time.Second, want: 45 * time.Second},
		"lower_bound":     {in: 10 * time.Second, want: 10 * time.Second},
		"upper_bound":     {in: 120 * time.Second, want: 120 * time.Second},
		"too_short":       {in: time.Second, want: presence.MinTTL, wantClamped: true},
		"too_long":        {in: 10 * time.Minute, want: presence.MaxTTL, wantClamped: true},
		"negative":        {in: -time.Second, want: presence.MinTTL, wantClamped: true},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			got, clamped := presence.ClampTTL(tc.in)
			if got != tc.want || clamped != tc.wantClamped {
				t.Fatalf("ClampTTL(%s) = %s, %v; want %s, %v", tc.in, got, clamped, tc.want, tc.wantClamped)
			}
		})
	}
}

func TestIntentForTime(t *testing.T) {
	t.Parallel()

	tcases := map[string]struct {
		hour int
		want model.SessionType
	}{
		"early_morning": {hour: 6, want: model.SessionCheckIn},
		"just_before":   {hour: 11, want: model.SessionCheckIn},
		"at_cutover":    {hour: 12, want: model.SessionCheckOut},
		"evening":       {hour: 18, want: model.SessionCheckOut},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			at := time.Date(2026, 3, 2, tc.hour, 30, 0, 0, time.UTC)
			if got := presence.IntentForTime(at, presence.DefaultCheckoutAfter); got != tc.want {
				t.Fatalf("IntentForTime(%02d:30) = %s, want %s", tc.hour, got, tc.want)
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	h := newHarness(t)
	issued := h.generate(t, model.SessionCheckIn)

	if issued.Token == "" || issued.SessionID == 0 {
		t.Fatalf("Generate returned %+v", issued)
	}
	if !issued.ExpiresAt.Equal(start.Add(presence.DefaultTTL)) {
		t.Fatalf("ExpiresAt = %s, want %s", issued.ExpiresAt, start.Add(presence.DefaultTTL))
	}
	if issued.TTL != presence.DefaultTTL {
		t.Fatalf("TTL = %s, want %s", issued.TTL, presence.DefaultTTL)
	}

	stored, err := h.manager.Session(context.Background(), issued.SessionID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if stored.TokenHash != crypto.HashToken(issued.Token) {
		t.Fatal("stored hash does not match the issued token")
	}
	if strings.Contains(stored.TokenHash, issued.Token) {
		t.Fatal("raw token persisted")
	}

	payload, err := h.codec.Verify(issued.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	want := &qrtoken.Payload{
		Version:   qrtoken.CurrentVersion,
		Nonce:     stored.Nonce,
		IssuerID:  issuer,
		ExpiresAt: issued.ExpiresAt.Unix(),
	}
	if diff := cmp.Diff(want, payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if h.metrics.issued.Load() != 1 {
		t.Fatalf("issued metric = %d, want 1", h.metrics.issued.Load())
	}
}

func TestGenerateRoundsExpiryUp(t *testing.T) {
	h := newHarness(t)
	now := start.Add(750 * time.Millisecond)
	h.clock.Set(now)

	issued := h.generate(t, model.SessionCheckIn)
	want := start.Add(presence.DefaultTTL + time.Second)
	if !issued.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %s, want whole seconds %s", issued.ExpiresAt, want)
	}
	if lifetime := issued.ExpiresAt.Sub(now); lifetime < issued.TTL {
		t.Fatalf("token lives %s, shorter than reported TTL %s", lifetime, issued.TTL)
	}
}

func TestGenerateResolvesIntent(t *testing.T) {
	h := newHarness(t)

	morning := h.generate(t, "")
	if morning.Type != model.SessionCheckIn {
		t.Fatalf("morning intent = %s, want check_in", morning.Type)
	}

	h.clock.Set(start.Add(9 * time.Hour))
	afternoon := h.generate(t, "")
	if afternoon.Type != model.SessionCheckOut {
		t.Fatalf("afternoon intent = %s, want check_out", afternoon.Type)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Generate(ctx, issuer, "lunch", nil); !errors.Is(err, presence.ErrInvalidRequest) {
		t.Fatalf("bad type: got %v, want ErrInvalidRequest", err)
	}

	metadata := make(map[string]string)
	for i := 0; i <= model.MaxMetadataEntries; i++ {
		metadata[fmt.Sprintf("k%d", i)] = "v"
	}
	if _, err := h.manager.Generate(ctx, issuer, model.SessionCheckIn, metadata); !errors.Is(err, presence.ErrInvalidRequest) {
		t.Fatalf("large metadata: got %v, want ErrInvalidRequest", err)
	}
}

func TestRegenerationRevokesPriorToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.generate(t, model.SessionCheckIn)
	other := h.generate(t, model.SessionCheckOut)
	second := h.generate(t, model.SessionCheckIn)

	if got := h.status(t, first.SessionID); got != model.StatusRevoked {
		t.Fatalf("first session status = %s, want revoked", got)
	}
	if got := h.status(t, other.SessionID); got != model.StatusActive {
		t.Fatalf("check-out session status = %s, want active (different intent)", got)
	}

	_, err := h.manager.ValidateAndConsume(ctx, first.Token, employee)
	if !errors.Is(err, presence.ErrTokenNoLongerValid) {
		t.Fatalf("scan revoked token: got %v, want ErrTokenNoLongerValid", err)
	}
	if _, err := h.manager.ValidateAndConsume(ctx, second.Token, employee); err != nil {
		t.Fatalf("scan latest token: %v", err)
	}
	if h.metrics.revoked.Load() != 1 {
		t.Fatalf("revoked metric = %d, want 1", h.metrics.revoked.Load())
	}
}

// Scenario: scan within 5s, then replay.
func TestScanThenReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued := h.generate(t, model.SessionCheckIn)

	h.clock.Advance(5 * time.Second)
	res, err := h.manager.ValidateAndConsume(ctx, issued.Token, employee)
	if err != nil {
		t.Fatalf("ValidateAndConsume: %v", err)
	}
	if res.Type != model.SessionCheckIn || res.SessionID != issued.SessionID {
		t.Fatalf("result = %+v", res)
	}
	sessionID := issued.SessionID
	wantAttendance := &model.Attendance{
		ID:          res.Attendance.ID,
		UserID:      employee,
		CheckInAt:   start.Add(5 * time.Second),
		Source:      model.AttendanceSourceQR,
		QRSessionID: &sessionID,
	}
	if diff := cmp.Diff(wantAttendance, res.Attendance); diff != "" {
		t.Errorf("attendance mismatch (-want +got):\n%s", diff)
	}

	stored, err := h.manager.Session(ctx, issued.SessionID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if stored.Status != model.StatusConsumed || stored.ConsumedBy == nil || *stored.ConsumedBy != employee {
		t.Fatalf("stored session = %+v, want consumed by %d", stored, employee)
	}
	if stored.AttendanceID == nil || *stored.AttendanceID != res.Attendance.ID {
		t.Fatalf("attendance id not linked: %+v", stored)
	}

	h.clock.Advance(time.Second)
	_, err = h.manager.ValidateAndConsume(ctx, issued.Token, employee)
	if !errors.Is(err, presence.ErrTokenAlreadyUsed) {
		t.Fatalf("replay: got %v, want ErrTokenAlreadyUsed", err)
	}
	var perr *presence.Error
	if !errors.As(err, &perr) || perr.Message != "This QR code has already been used." {
		t.Fatalf("replay message = %v", err)
	}
}

// Scenario: scan after 31s.
func TestScanAfterExpiry(t *testing.T) {
	h := newHarness(t)
	issued := h.generate(t, model.SessionCheckIn)

	h.clock.Advance(31 * time.Second)
	_, err := h.manager.ValidateAndConsume(context.Background(), issued.Token, employee)
	if !errors.Is(err, presence.ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
	if got := h.status(t, issued.SessionID); got != model.StatusExpired {
		t.Fatalf("status = %s, want expired", got)
	}

	// The expired transition is committed, so a second scan reads it back.
	_, err = h.manager.ValidateAndConsume(context.Background(), issued.Token, employee)
	if !errors.Is(err, presence.ErrTokenExpired) {
		t.Fatalf("second scan: got %v, want ErrTokenExpired", err)
	}
}

func TestScanAtExactExpiry(t *testing.T) {
	h := newHarness(t)
	issued := h.generate(t, model.SessionCheckIn)

	h.clock.Set(issued.ExpiresAt)
	_, err := h.manager.ValidateAndConsume(context.Background(), issued.Token, employee)
	if !errors.Is(err, presence.ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired at the expiry instant", err)
	}
}

// Scenario: employee is already checked in.
func TestAlreadyCheckedIn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.generate(t, model.SessionCheckIn)
	if _, err := h.manager.ValidateAndConsume(ctx, first.Token, employee); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	h.clock.Advance(time.Minute)
	second := h.generate(t, model.SessionCheckIn)
	_, err := h.manager.ValidateAndConsume(ctx, second.Token, employee)
	if !errors.Is(err, presence.ErrAlreadyCheckedIn) {
		t.Fatalf("got %v, want ErrAlreadyCheckedIn", err)
	}
	var perr *presence.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *presence.Error, got %T", err)
	}
	if perr.CheckedInAt == nil || !perr.CheckedInAt.Equal(start) {
		t.Fatalf("CheckedInAt = %v, want %s", perr.CheckedInAt, start)
	}
	if perr.Message != "You are already checked in since 08:00." {
		t.Fatalf("Message = %q", perr.Message)
	}

	// Business rule failures leave the session usable by someone else.
	if got := h.status(t, second.SessionID); got != model.StatusActive {
		t.Fatalf("status = %s, want active", got)
	}
	if _, err := h.manager.ValidateAndConsume(ctx, second.Token, employee+1); err != nil {
		t.Fatalf("other employee scan: %v", err)
	}
}

func TestCheckOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out := h.generate(t, model.SessionCheckOut)
	_, err := h.manager.ValidateAndConsume(ctx, out.Token, employee)
	if !errors.Is(err, presence.ErrNoActiveSession) {
		t.Fatalf("check-out without check-in: got %v, want ErrNoActiveSession", err)
	}
	if got := h.status(t, out.SessionID); got != model.StatusActive {
		t.Fatalf("status = %s, want active", got)
	}

	in := h.generate(t, model.SessionCheckIn)
	if _, err := h.manager.ValidateAndConsume(ctx, in.Token, employee); err != nil {
		t.Fatalf("check in: %v", err)
	}

	h.clock.Advance(20 * time.Second)
	res, err := h.manager.ValidateAndConsume(ctx, out.Token, employee)
	if err != nil {
		t.Fatalf("check out: %v", err)
	}
	if res.Type != model.SessionCheckOut || res.Attendance.Open() {
		t.Fatalf("result = %+v, want closed attendance", res)
	}
	if res.Attendance.Duration() != 20*time.Second {
		t.Fatalf("duration = %s, want 20s", res.Attendance.Duration())
	}
}

func TestInvalidTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued := h.generate(t, model.SessionCheckIn)
	stored, err := h.manager.Session(ctx, issued.SessionID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}

	unknownNonce, err := crypto.GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce: %v", err)
	}
	mint := func(p qrtoken.Payload) string {
		tok, err := h.codec.Mint(p)
		if err != nil {
			t.Fatalf("Mint: %v", err)
		}
		return tok
	}
	tampered := []byte(issued.Token)
	tampered[len(tampered)-1] ^= 1

	tcases := map[string]string{
		"empty":         "",
		"garbage":       "not-a-token",
		"tampered":      string(tampered),
		"foreign_key":   mustMint(t, newCodec(t), stored.Nonce, issuer, issued.ExpiresAt.Unix()),
		"unknown_nonce": mint(qrtoken.Payload{Version: 1, Nonce: unknownNonce, IssuerID: issuer, ExpiresAt: issued.ExpiresAt.Unix()}),
		"wrong_expiry":  mint(qrtoken.Payload{Version: 1, Nonce: stored.Nonce, IssuerID: issuer, ExpiresAt: issued.ExpiresAt.Unix() + 600}),
		"wrong_issuer":  mint(qrtoken.Payload{Version: 1, Nonce: stored.Nonce, IssuerID: issuer + 1, ExpiresAt: issued.ExpiresAt.Unix()}),
	}

	for name, token := range tcases {
		t.Run(name, func(t *testing.T) {
			_, err := h.manager.ValidateAndConsume(ctx, token, employee)
			if !errors.Is(err, presence.ErrInvalidToken) {
				t.Fatalf("got %v, want ErrInvalidToken", err)
			}
			if presence.KindOf(err) != presence.KindInvalidToken {
				t.Fatalf("KindOf = %s", presence.KindOf(err))
			}
		})
	}

	if got := h.status(t, issued.SessionID); got != model.StatusActive {
		t.Fatalf("status = %s, want active after rejected tokens", got)
	}
	h.metrics.mu.Lock()
	defer h.metrics.mu.Unlock()
	if h.metrics.failed[presence.KindInvalidToken] != len(tcases) {
		t.Fatalf("invalid metric = %d, want %d", h.metrics.failed[presence.KindInvalidToken], len(tcases))
	}
}

func mustMint(t *testing.T, codec *qrtoken.Codec, nonce string, issuerID, expiresAt int64) string {
	t.Helper()
	tok, err := codec.Mint(qrtoken.Payload{Version: qrtoken.CurrentVersion, Nonce: nonce, IssuerID: issuerID, ExpiresAt: expiresAt})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return tok
}

func TestConcurrentScansExactlyOnce(t *testing.T) {
	h := newHarness(t)
	issued := h.generate(t, model.SessionCheckIn)

	const scanners = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		kinds   = make(map[presence.Kind]int)
	)
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			_, err := h.manager.ValidateAndConsume(context.Background(), issued.Token, user)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			kinds[presence.KindOf(err)]++
		}(int64(100 + i))
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("successes = %d, want 1 (failures %v)", success, kinds)
	}
	if diff := cmp.Diff(map[presence.Kind]int{presence.KindTokenAlreadyUsed: scanners - 1}, kinds); diff != "" {
		t.Errorf("failure kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestRevokeAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.generate(t, model.SessionCheckIn)
	if _, err := h.manager.Generate(ctx, issuer+1, model.SessionCheckIn, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	only := issuer
	n, err := h.manager.RevokeAll(ctx, &only)
	if err != nil || n != 1 {
		t.Fatalf("RevokeAll(issuer) = %d, %v; want 1", n, err)
	}
	if got := h.status(t, a.SessionID); got != model.StatusRevoked {
		t.Fatalf("status = %s, want revoked", got)
	}
	n, err = h.manager.RevokeAll(ctx, nil)
	if err != nil || n != 1 {
		t.Fatalf("RevokeAll(nil) = %d, %v; want 1", n, err)
	}
}

func TestPurgeExpiredIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := h.generate(t, model.SessionCheckIn)
	h.clock.Advance(31 * time.Second)
	fresh := h.generate(t, model.SessionCheckOut)

	n, err := h.manager.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpired = %d, %v; want 1", n, err)
	}
	n, err = h.manager.PurgeExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second PurgeExpired = %d, %v; want 0", n, err)
	}
	if got := h.status(t, old.SessionID); got != model.StatusExpired {
		t.Fatalf("old status = %s, want expired", got)
	}
	if got := h.status(t, fresh.SessionID); got != model.StatusActive {
		t.Fatalf("fresh status = %s, want active", got)
	}

	counts, err := h.manager.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	want := map[model.SessionStatus]int64{model.StatusExpired: 1, model.StatusActive: 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionsAndSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.generate(t, model.SessionCheckIn)
	h.generate(t, model.SessionCheckOut)

	active := model.StatusActive
	sessions, err := h.manager.Sessions(ctx, model.SessionFilters{Status: &active})
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(sessions))
	}
	if _, err := h.manager.Session(ctx, 999); !errors.Is(err, presence.ErrSessionNotFound) {
		t.Fatalf("Session(999): got %v, want ErrSessionNotFound", err)
	}
}

type busyStore struct {
	datastore.DataProviderFactory
}

func (busyStore) Tx(context.Context) (datastore.DataStoreTx, error) {
	return nil, fmt.Errorf("datastore: begin: %w", datastore.ErrTransient)
}

func TestBusyStoreIsRetryable(t *testing.T) {
	codec := newCodec(t)
	m, err := presence.New(presence.Dependencies{Store: busyStore{}, Codec: codec, Clock: clock.Fake(start)}, presence.Options{})
	if err != nil {
		t.Fatalf("presence.New: %v", err)
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce: %v", err)
	}
	token := mustMint(t, codec, nonce, issuer, start.Add(time.Minute).Unix())

	_, err = m.ValidateAndConsume(context.Background(), token, employee)
	if !errors.Is(err, presence.ErrRetryable) {
		t.Fatalf("ValidateAndConsume: got %v, want ErrRetryable", err)
	}
	if !errors.Is(err, datastore.ErrTransient) {
		t.Fatalf("cause lost: %v", err)
	}
	if _, err := m.Generate(context.Background(), issuer, model.SessionCheckIn, nil); !errors.Is(err, presence.ErrRetryable) {
		t.Fatalf("Generate: got %v, want ErrRetryable", err)
	}
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	if errors.Is(presence.ErrTokenExpired, presence.ErrInvalidToken) {
		t.Fatal("different kinds must not match")
	}
	if presence.KindOf(errors.New("boom")) != presence.KindInternal {
		t.Fatal("plain errors are internal")
	}
	wrapped := fmt.Errorf("handler: %w", presence.ErrRetryable)
	if presence.KindOf(wrapped) != presence.KindRetryable {
		t.Fatalf("KindOf(wrapped) = %s", presence.KindOf(wrapped))
	}
}

// racingStore makes the first losses issuance transactions fail as if a
// concurrent issuer had taken the active slot.
type racingStore struct {
	datastore.DataProviderFactory
	losses atomic.Int32
}

func (s *racingStore) Tx(ctx context.Context) (datastore.DataStoreTx, error) {
	tx, err := s.DataProviderFactory.Tx(ctx)
	if err != nil {
		return nil, err
	}
	return &racingTx{DataStoreTx: tx, store: s}, nil
}

type racingTx struct {
	datastore.DataStoreTx
	store *racingStore
}

func (t *racingTx) CreateSession(ctx context.Context, session *model.QRSession) error {
	if t.store.losses.Add(-1) >= 0 {
		return fmt.Errorf("datastore: create session: %w", datastore.ErrActiveSessionExists)
	}
	return t.DataStoreTx.CreateSession(ctx, session)
}

func TestGenerateRetriesLostIssuanceRace(t *testing.T) {
	tcases := map[string]struct {
		losses    int32
		expectErr error
	}{
		"wins_on_retry":  {losses: 2},
		"keeps_losing":   {losses: 10, expectErr: presence.ErrRetryable},
		"never_conflict": {losses: 0},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			st := &racingStore{DataProviderFactory: h.store}
			st.losses.Store(tc.losses)
			m, err := presence.New(presence.Dependencies{Store: st, Codec: h.codec, Clock: h.clock}, presence.Options{})
			if err != nil {
				t.Fatalf("presence.New: %v", err)
			}

			issued, err := m.Generate(context.Background(), issuer, model.SessionCheckIn, nil)
			if tc.expectErr != nil {
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("Generate: got %v, want %v", err, tc.expectErr)
				}
				if !errors.Is(err, datastore.ErrActiveSessionExists) {
					t.Fatalf("cause lost: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if got := h.status(t, issued.SessionID); got != model.StatusActive {
				t.Fatalf("status = %s, want active", got)
			}
		})
	}
}

// issuanceStores returns SQLite always and PostgreSQL when
// GOPRESENCE_TEST_POSTGRES_DSN is set.
func issuanceStores(t *testing.T) map[string]*datastore.ProviderFactory {
	t.Helper()
	st, err := datastore.NewProviderFactory(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	stores := map[string]*datastore.ProviderFactory{"sqlite": st}

	if dsn := os.Getenv("GOPRESENCE_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := datastore.Open(context.Background(), datastore.Config{Driver: datastore.DriverPostgres, DSN: dsn, LockTimeout: 5 * time.Second})
		if err != nil {
			t.Fatalf("failed to open postgres: %v", err)
		}
		for _, table := range []string{"qr_sessions", "attendances"} {
			if _, err := pg.DB.Exec("DELETE FROM " + table); err != nil {
				t.Fatalf("failed to clean %s: %v", table, err)
			}
		}
		t.Cleanup(func() { _ = pg.Close() })
		stores["postgres"] = pg
	}
	return stores
}

// TestConcurrentGenerateKeepsOneActive races issuers for the same intent;
// whatever interleaving the store allows, one session stays active.
func TestConcurrentGenerateKeepsOneActive(t *testing.T) {
	for name, st := range issuanceStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m, err := presence.New(presence.Dependencies{Store: st, Codec: newCodec(t), Clock: clock.Fake(start)}, presence.Options{})
			if err != nil {
				t.Fatalf("presence.New: %v", err)
			}
			// Seed a prior active session so racers also contend on its row.
			if _, err := m.Generate(ctx, issuer, model.SessionCheckIn, nil); err != nil {
				t.Fatalf("seed Generate: %v", err)
			}

			const workers = 16
			var (
				wg        sync.WaitGroup
				successes atomic.Int64
				errs      = make(chan error, workers)
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := m.Generate(ctx, issuer, model.SessionCheckIn, nil); err != nil {
						errs <- err
						return
					}
					successes.Add(1)
				}()
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				if !errors.Is(err, presence.ErrRetryable) {
					t.Errorf("Generate: got %v, want success or ErrRetryable", err)
				}
			}
			if successes.Load() == 0 {
				t.Fatal("no concurrent Generate succeeded")
			}

			active := model.StatusActive
			typ := model.SessionCheckIn
			id := issuer
			sessions, err := m.Sessions(ctx, model.SessionFilters{Status: &active, Type: &typ, GeneratedBy: &id})
			if err != nil {
				t.Fatalf("Sessions: %v", err)
			}
			if len(sessions) != 1 {
				t.Fatalf("active sessions = %d, want 1", len(sessions))
			}
		})
	}
}

func TestPurgeExpiredSpansBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const issuers = 205
	for i := int64(1); i <= issuers; i++ {
		if _, err := h.manager.Generate(ctx, i, model.SessionCheckIn, nil); err != nil {
			t.Fatalf("Generate(%d): %v", i, err)
		}
	}
	h.clock.Advance(time.Minute)

	n, err := h.manager.PurgeExpired(ctx)
	if err != nil || n != issuers {
		t.Fatalf("PurgeExpired = %d, %v; want %d", n, err, issuers)
	}
	if got := h.metrics.swept.Load(); got != issuers {
		t.Fatalf("swept metric = %d, want %d", got, issuers)
	}
	counts, err := h.manager.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if diff := cmp.Diff(map[model.SessionStatus]int64{model.StatusExpired: issuers}, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}
