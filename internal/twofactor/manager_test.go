package twofactor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/loginflow/internal/core/domain"
)

// fakeDeliverer accepts one hard-coded code and counts backend calls.
type fakeDeliverer struct {
	acceptCode string
	requestErr error
	verifyErr  error
	requests   int
	verifies   int
}

func (d *fakeDeliverer) RequestCode(ctx context.Context, s domain.TwoFactorSession, m domain.TwoFactorMethod) (string, error) {
	d.requests++
	if d.requestErr != nil {
		return "", d.requestErr
	}
	return "req-1", nil
}

func (d *fakeDeliverer) VerifyCode(ctx context.Context, s domain.TwoFactorSession, m domain.TwoFactorMethod, code string) (bool, error) {
	d.verifies++
	if d.verifyErr != nil {
		return false, d.verifyErr
	}
	return code == d.acceptCode, nil
}

func newTestTwoFactor(t *testing.T, d Deliverer) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager(ManagerConfig{}, d, nil, nil)
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func initSession(t *testing.T, m *Manager, detected domain.TwoFactorMethod) domain.TwoFactorSession {
	t.Helper()
	s, err := m.InitializeSession(context.Background(), InitRequest{
		RunID:          "run-1",
		Platform:       "google",
		Account:        "alice",
		DetectedMethod: detected,
	})
	if err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	return s
}

func TestInitializeSessionRequestsFirstCode(t *testing.T) {
	d := &fakeDeliverer{acceptCode: "123456"}
	m, _ := newTestTwoFactor(t, d)

	s := initSession(t, m, "")
	if s.Status != domain.TwoFactorStatusWaitingCode {
		t.Errorf("status = %v, want waiting_code", s.Status)
	}
	if s.SelectedMethod != domain.MethodAuthenticator {
		t.Errorf("selected = %v, want authenticator", s.SelectedMethod)
	}
	if len(s.Requests) != 1 {
		t.Errorf("requests = %d, want 1", len(s.Requests))
	}
	if d.requests != 1 {
		t.Errorf("backend requests = %d, want 1", d.requests)
	}
}

func TestInitializeSessionPrefersDetectedMethod(t *testing.T) {
	m, _ := newTestTwoFactor(t, &fakeDeliverer{acceptCode: "123456"})

	s := initSession(t, m, domain.MethodSMS)
	if s.SelectedMethod != domain.MethodSMS {
		t.Errorf("selected = %v, want sms", s.SelectedMethod)
	}
}

func TestVerifyCodeSuccess(t *testing.T) {
	m, _ := newTestTwoFactor(t, &fakeDeliverer{acceptCode: "123456"})
	s := initSession(t, m, "")

	if err := m.VerifyCode(context.Background(), s.ID, "123456", ""); err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}

	got, _ := m.GetSession(s.ID)
	if got.Status != domain.TwoFactorStatusVerified {
		t.Errorf("status = %v, want verified", got.Status)
	}
	sum := sha256.Sum256([]byte("123456"))
	if got.VerifiedCodeHash != hex.EncodeToString(sum[:]) {
		t.Errorf("VerifiedCodeHash = %q, want sha256 of the code", got.VerifiedCodeHash)
	}
	if got.VerifiedCodeHash == "123456" {
		t.Error("raw code retained in session")
	}
}

func TestVerifyWrongCodeExhaustsAttempts(t *testing.T) {
	m, _ := newTestTwoFactor(t, &fakeDeliverer{acceptCode: "123456"})
	s := initSession(t, m, "")

	for i := 0; i < 2; i++ {
		err := m.VerifyCode(context.Background(), s.ID, "000000", "")
		if err == nil {
			t.Fatalf("wrong code %d accepted", i+1)
		}
		var maxErr *domain.MaxAttemptsExceededError
		if errors.As(err, &maxErr) {
			t.Fatalf("budget exhausted at attempt %d", i+1)
		}
	}

	err := m.VerifyCode(context.Background(), s.ID, "000000", "")
	var maxErr *domain.MaxAttemptsExceededError
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected MaxAttemptsExceededError, got %v", err)
	}

	got, _ := m.GetSession(s.ID)
	if got.Status != domain.TwoFactorStatusExpired {
		t.Errorf("status = %v, want expired", got.Status)
	}
	if got.FailureReason != "max_attempts" {
		t.Errorf("failure reason = %q, want max_attempts", got.FailureReason)
	}
}

func TestInvalidFormatConsumesAttempt(t *testing.T) {
	m, _ := newTestTwoFactor(t, &fakeDeliverer{acceptCode: "123456"})
	s := initSession(t, m, "")

	err := m.VerifyCode(context.Background(), s.ID, "12", "")
	var fe *domain.InvalidFormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected InvalidFormatError, got %v", err)
	}

	got, _ := m.GetSession(s.ID)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (format failure consumes budget)", got.Attempts)
	}
}

func TestBackendErrorCountsAttempt(t *testing.T) {
	d := &fakeDeliverer{acceptCode: "123456", verifyErr: errors.New("upstream 500")}
	m, _ := newTestTwoFactor(t, d)
	s := initSession(t, m, "")

	if err := m.VerifyCode(context.Background(), s.ID, "123456", ""); err == nil {
		t.Fatal("expected backend error surfaced")
	}
	got, _ := m.GetSession(s.ID)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.Status.Terminal() {
		t.Errorf("single backend error terminated session: %v", got.Status)
	}
}

func TestSwitchMethodResetsAttempts(t *testing.T) {
	m, _ := newTestTwoFactor(t, &fakeDeliverer{acceptCode: "123456"})
	s := initSession(t, m, "")

	_ = m.VerifyCode(context.Background(), s.ID, "000000", "")
	got, _ := m.GetSession(s.ID)
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}

	if err := m.SwitchMethod(context.Background(), s.ID, domain.MethodSMS); err != nil {
		t.Fatalf("SwitchMethod: %v", err)
	}
	got, _ = m.GetSession(s.ID)
	if got.Attempts != 0 {
		t.Errorf("attempts after switch = %d, want 0", got.Attempts)
	}
	if got.SelectedMethod != domain.MethodSMS {
		t.Errorf("selected = %v, want sms", got.SelectedMethod)
	}
}

func TestSwitchToUnavailableMethod(t *testing.T) {
	m, _ := newTestTwoFactor(t, &fakeDeliverer{acceptCode: "123456"})

	// facebook does not offer email.
	s, err := m.InitializeSession(context.Background(), InitRequest{
		RunID: "run-1", Platform: "facebook", Account: "alice",
	})
	if err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	if err := m.SwitchMethod(context.Background(), s.ID, domain.MethodEmail); err == nil {
		t.Error("switch to unoffered method accepted")
	}
}

func TestResendCooldown(t *testing.T) {
	d := &fakeDeliverer{acceptCode: "123456"}
	m, now := newTestTwoFactor(t, d)
	s := initSession(t, m, "") // authenticator: 30s cooldown

	err := m.ResendCode(context.Background(), s.ID, "")
	var cd *domain.CooldownError
	if !errors.As(err, &cd) {
		t.Fatalf("expected CooldownError, got %v", err)
	}
	if d.requests != 1 {
		t.Errorf("backend requests = %d, want 1 (resend suppressed)", d.requests)
	}

	*now = now.Add(31 * time.Second)
	if err := m.ResendCode(context.Background(), s.ID, ""); err != nil {
		t.Fatalf("ResendCode after cooldown: %v", err)
	}
	got, _ := m.GetSession(s.ID)
	active := got.ActiveRequest()
	if active == nil || active.ResendCount != 1 {
		t.Errorf("active request = %+v, want ResendCount 1", active)
	}

	// Resending does not touch the attempt counter.
	if got.Attempts != 0 {
		t.Errorf("attempts after resend = %d, want 0", got.Attempts)
	}
}

func TestSessionExpiry(t *testing.T) {
	m, now := newTestTwoFactor(t, &fakeDeliverer{acceptCode: "123456"})
	s := initSession(t, m, "")

	*now = now.Add(11 * time.Minute) // past the 10m session TTL

	err := m.VerifyCode(context.Background(), s.ID, "123456", "")
	var exp *domain.SessionExpiredError
	if !errors.As(err, &exp) {
		t.Fatalf("expected SessionExpiredError, got %v", err)
	}

	got, _ := m.GetSession(s.ID)
	if got.Status != domain.TwoFactorStatusExpired {
		t.Errorf("status = %v, want expired", got.Status)
	}

	// Further verifies keep failing with the same error.
	if err := m.VerifyCode(context.Background(), s.ID, "123456", ""); !errors.As(err, &exp) {
		t.Errorf("expected SessionExpiredError on expired session, got %v", err)
	}
}

func TestCancelSessionTwoFactor(t *testing.T) {
	m, _ := newTestTwoFactor(t, &fakeDeliverer{acceptCode: "123456"})
	s := initSession(t, m, "")

	if err := m.CancelSession(s.ID, "login no longer needed"); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	got, _ := m.GetSession(s.ID)
	if got.Status != domain.TwoFactorStatusCancelled {
		t.Errorf("status = %v, want cancelled", got.Status)
	}
	if err := m.CancelSession(s.ID, "again"); err != nil {
		t.Errorf("second cancel: %v", err)
	}
	if err := m.VerifyCode(context.Background(), s.ID, "123456", ""); err == nil {
		t.Error("verify accepted on cancelled session")
	}
}

func TestRequestCodeDeliveryFailure(t *testing.T) {
	d := &fakeDeliverer{acceptCode: "123456", requestErr: errors.New("smtp down")}
	m, _ := newTestTwoFactor(t, d)

	// Initialization still succeeds; the delivery failure is recoverable by
	// switching methods or resending.
	s := initSession(t, m, "")
	got, _ := m.GetSession(s.ID)
	if got.Status != domain.TwoFactorStatusWaitingCode {
		t.Errorf("status = %v, want waiting_code", got.Status)
	}
	if len(got.Requests) != 0 {
		t.Errorf("requests recorded despite delivery failure: %d", len(got.Requests))
	}

	if err := m.RequestCode(context.Background(), s.ID, ""); err == nil {
		t.Error("expected delivery error from RequestCode")
	}
}

func TestDelivererPanicIsContained(t *testing.T) {
	m, _ := newTestTwoFactor(t, panicDeliverer{})
	s := initSession(t, m, "")

	if err := m.VerifyCode(context.Background(), s.ID, "123456", ""); err == nil {
		t.Fatal("expected error from panicking deliverer")
	}
	got, _ := m.GetSession(s.ID)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

type panicDeliverer struct{}

func (panicDeliverer) RequestCode(ctx context.Context, s domain.TwoFactorSession, m domain.TwoFactorMethod) (string, error) {
	panic("delivery backend gone")
}

func (panicDeliverer) VerifyCode(ctx context.Context, s domain.TwoFactorSession, m domain.TwoFactorMethod, code string) (bool, error) {
	panic("delivery backend gone")
}

// blockingDeliverer parks VerifyCode until released, signalling entry.
type blockingDeliverer struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingDeliverer() *blockingDeliverer {
	return &blockingDeliverer{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (d *blockingDeliverer) RequestCode(ctx context.Context, s domain.TwoFactorSession, m domain.TwoFactorMethod) (string, error) {
	return "req-1", nil
}

func (d *blockingDeliverer) VerifyCode(ctx context.Context, s domain.TwoFactorSession, m domain.TwoFactorMethod, code string) (bool, error) {
	d.entered <- struct{}{}
	<-d.release
	return true, nil
}

func TestVerifyDoesNotBlockOtherSessions(t *testing.T) {
	d := newBlockingDeliverer()
	m, _ := newTestTwoFactor(t, d)
	a := initSession(t, m, "")
	b := initSession(t, m, "")

	done := make(chan error, 1)
	go func() { done <- m.VerifyCode(context.Background(), a.ID, "123456", "") }()

	select {
	case <-d.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("backend verify never started")
	}

	// Other sessions must stay responsive while this one awaits the backend.
	fetched := make(chan struct{})
	go func() {
		if _, err := m.GetSession(b.ID); err != nil {
			t.Errorf("GetSession: %v", err)
		}
		close(fetched)
	}()
	select {
	case <-fetched:
	case <-time.After(500 * time.Millisecond):
		close(d.release)
		t.Fatal("GetSession stalled behind an in-flight backend call")
	}

	close(d.release)
	if err := <-done; err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	got, _ := m.GetSession(a.ID)
	if got.Status != domain.TwoFactorStatusVerified {
		t.Errorf("status = %v, want verified", got.Status)
	}
}

func TestVerifyResultDiscardedAfterCancel(t *testing.T) {
	d := newBlockingDeliverer()
	m, _ := newTestTwoFactor(t, d)
	s := initSession(t, m, "")

	done := make(chan error, 1)
	go func() { done <- m.VerifyCode(context.Background(), s.ID, "123456", "") }()
	<-d.entered

	if err := m.CancelSession(s.ID, "operator abort"); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	close(d.release)

	if err := <-done; err == nil {
		t.Fatal("verify succeeded on a cancelled session")
	}
	got, _ := m.GetSession(s.ID)
	if got.Status != domain.TwoFactorStatusCancelled {
		t.Errorf("status = %v, want cancelled", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (in-flight result discarded)", got.Attempts)
	}
}

func TestCleanupExpired(t *testing.T) {
	m, now := newTestTwoFactor(t, &fakeDeliverer{acceptCode: "123456"})
	s := initSession(t, m, "")

	*now = now.Add(11 * time.Minute)
	m.CleanupExpired()

	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatalf("session purged before retention: %v", err)
	}
	if got.Status != domain.TwoFactorStatusExpired {
		t.Errorf("status = %v, want expired", got.Status)
	}

	*now = now.Add(11 * time.Minute)
	m.CleanupExpired()
	if _, err := m.GetSession(s.ID); err == nil {
		t.Error("terminal session not purged after retention")
	}

	st := m.Stats()
	if st.Total != 0 {
		t.Errorf("Stats().Total = %d, want 0", st.Total)
	}
}
