// Package twofactor drives a single second-factor challenge to completion
// across one or more delivery methods. It is deliberately independent of the
// retry engine: 2FA flows are operator-paced and time-boxed per channel,
// while retries are fully automatic and backoff-driven.
package twofactor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/loginflow/internal/bus"
	"github.com/vietddude/loginflow/internal/core/domain"
	"github.com/vietddude/loginflow/internal/metrics"
)

// Deliverer is the external delivery backend: it sends codes over a channel
// and checks submitted codes against what was sent.
type Deliverer interface {
	RequestCode(ctx context.Context, session domain.TwoFactorSession, method domain.TwoFactorMethod) (requestID string, err error)
	VerifyCode(ctx context.Context, session domain.TwoFactorSession, method domain.TwoFactorMethod, code string) (bool, error)
}

// ManagerConfig tunes the two-factor session manager.
type ManagerConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
}

// DefaultManagerConfig returns the stock two-factor tuning.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxAttempts:       3,
		SessionTTL:        10 * time.Minute,
		RequestTimeout:    10 * time.Second,
		CleanupInterval:   time.Minute,
		TerminalRetention: 10 * time.Minute,
	}
}

func (c ManagerConfig) normalize() ManagerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 10 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = 10 * time.Minute
	}
	return c
}

// InitRequest describes a reported second-factor challenge.
type InitRequest struct {
	RunID          string
	Platform       string
	Account        string
	DetectedMethod domain.TwoFactorMethod
}

// TwoFactorStats is a read-only projection over the manager's sessions.
type TwoFactorStats struct {
	Total    int                            `json:"total"`
	ByStatus map[domain.TwoFactorStatus]int `json:"by_status"`
}

// Manager owns the lifecycle of two-factor verification sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*domain.TwoFactorSession

	deliverer Deliverer
	bus       *bus.Bus
	log       *slog.Logger
	cfg       ManagerConfig
	now       func() time.Time
}

// NewManager creates a two-factor session manager.
func NewManager(cfg ManagerConfig, deliverer Deliverer, b *bus.Bus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions:  make(map[string]*domain.TwoFactorSession),
		deliverer: deliverer,
		bus:       b,
		log:       log,
		cfg:       cfg.normalize(),
		now:       time.Now,
	}
}

// InitializeSession creates a verification session, selects the preferred
// method (the detected one when supplied), and requests its first code.
func (m *Manager) InitializeSession(ctx context.Context, req InitRequest) (domain.TwoFactorSession, error) {
	now := m.now()
	methods := MethodsFor(req.Platform, req.DetectedMethod)

	s := &domain.TwoFactorSession{
		ID:               uuid.New().String(),
		RunID:            req.RunID,
		Platform:         req.Platform,
		Account:          req.Account,
		Status:           domain.TwoFactorStatusWaitingMethod,
		AvailableMethods: methods,
		MaxAttempts:      m.cfg.MaxAttempts,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.cfg.SessionTTL),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.applySelectionLocked(s, methods[0], false)
	selected := s.SelectedMethod
	m.mu.Unlock()

	m.publish(domain.EventSessionCreated, s, map[string]any{
		"methods": methods,
		"method":  string(selected),
	})
	m.log.Info("two-factor session created",
		"session", s.ID, "run", req.RunID, "platform", req.Platform, "method", selected)

	// The first delivery failing is recoverable by resending or switching
	// methods, so it does not fail initialization.
	_ = m.deliverCode(ctx, s.ID, selected, 0)

	return m.GetSession(s.ID)
}

// SelectMethod switches the session to the given method and requests a fresh
// code. Selecting a method resets the attempt counter.
func (m *Manager) SelectMethod(ctx context.Context, id string, method domain.TwoFactorMethod, userChosen bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &domain.SessionNotFoundError{ID: id}
	}
	if s.Status.Terminal() {
		err := m.terminalError(s)
		m.mu.Unlock()
		return err
	}
	if !m.available(s, method) {
		m.mu.Unlock()
		return fmt.Errorf("method %s not available for platform %s", method, s.Platform)
	}
	m.applySelectionLocked(s, method, userChosen)
	m.mu.Unlock()

	// The switch sticks even when delivery fails; the operator can resend.
	_ = m.deliverCode(ctx, id, method, 0)
	return nil
}

// SwitchMethod is SelectMethod for an already-running flow; kept as a
// distinct operation because callers treat it as an explicit user action.
func (m *Manager) SwitchMethod(ctx context.Context, id string, method domain.TwoFactorMethod) error {
	return m.SelectMethod(ctx, id, method, true)
}

// applySelectionLocked applies the method switch. Callers hold m.mu and
// issue the code delivery after releasing it.
func (m *Manager) applySelectionLocked(s *domain.TwoFactorSession, method domain.TwoFactorMethod, userChosen bool) {
	s.SelectedMethod = method
	s.Status = domain.TwoFactorStatusWaitingCode
	s.Attempts = 0

	m.publish(domain.EventMethodSelected, s, map[string]any{
		"method":      string(method),
		"user_chosen": userChosen,
	})
}

// RequestCode issues a code delivery for the method (the selected one when
// method is empty).
func (m *Manager) RequestCode(ctx context.Context, id string, method domain.TwoFactorMethod) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &domain.SessionNotFoundError{ID: id}
	}
	if s.Status.Terminal() {
		err := m.terminalError(s)
		m.mu.Unlock()
		return err
	}
	if method == "" {
		method = s.SelectedMethod
	}
	if !m.available(s, method) {
		m.mu.Unlock()
		return fmt.Errorf("method %s not available for platform %s", method, s.Platform)
	}
	m.mu.Unlock()

	return m.deliverCode(ctx, id, method, 0)
}

// deliverCode issues one code delivery. The backend call runs outside the
// manager lock so other sessions keep progressing while this one awaits the
// deliverer; the session is re-validated before the request is recorded.
// Delivery failures are published, not turned into session failures: the
// operator can resend or switch methods.
func (m *Manager) deliverCode(ctx context.Context, id string, method domain.TwoFactorMethod, resendCount int) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &domain.SessionNotFoundError{ID: id}
	}
	snapshot := m.copyLocked(s)
	m.mu.Unlock()

	requestID, err := m.requestFromBackend(ctx, snapshot, method)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok = m.sessions[id]
	if !ok {
		return &domain.SessionNotFoundError{ID: id}
	}
	if err != nil {
		m.log.Warn("code delivery failed",
			"session", id, "method", method, "error", err)
		m.publish(domain.EventCodeRequestFailed, s, map[string]any{
			"method": string(method),
			"error":  err.Error(),
		})
		return fmt.Errorf("request code via %s: %w", method, err)
	}
	if s.Status.Terminal() {
		// Expired or cancelled while the delivery was in flight; the code
		// is unusable, so the request is not recorded.
		return m.terminalError(s)
	}

	rule := RuleFor(method)
	now := m.now()
	s.Requests = append(s.Requests, domain.CodeRequest{
		RequestID:   requestID,
		Method:      method,
		SentAt:      now,
		ExpiresAt:   now.Add(rule.Expiry),
		ResendAfter: now.Add(rule.ResendCooldown),
		ResendCount: resendCount,
	})
	m.publish(domain.EventCodeRequested, s, map[string]any{
		"method":     string(method),
		"request_id": requestID,
	})
	return nil
}

// requestFromBackend shields the manager from a panicking delivery backend.
func (m *Manager) requestFromBackend(ctx context.Context, s domain.TwoFactorSession, method domain.TwoFactorMethod) (requestID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	return m.deliverer.RequestCode(ctx, s, method)
}

// ResendCode re-issues the current code, enforcing the method's cooldown.
func (m *Manager) ResendCode(ctx context.Context, id string, method domain.TwoFactorMethod) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &domain.SessionNotFoundError{ID: id}
	}
	if s.Status.Terminal() {
		err := m.terminalError(s)
		m.mu.Unlock()
		return err
	}
	if method == "" {
		method = s.SelectedMethod
	}

	resendCount := 0
	if req := s.ActiveRequest(); req != nil && req.Method == method {
		if m.now().Before(req.ResendAfter) {
			m.mu.Unlock()
			return &domain.CooldownError{NextAllowed: req.ResendAfter}
		}
		resendCount = req.ResendCount + 1
	}
	m.mu.Unlock()

	return m.deliverCode(ctx, id, method, resendCount)
}

// VerifyCode checks a submitted code. Past the session expiry it fails with
// *domain.SessionExpiredError and leaves the session expired. A malformed
// code fails with *domain.InvalidFormatError and still consumes an attempt.
// Exhausting the attempt budget expires the session with reason
// max_attempts, which the integration layer turns into a retry session.
func (m *Manager) VerifyCode(ctx context.Context, id, code string, method domain.TwoFactorMethod) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &domain.SessionNotFoundError{ID: id}
	}
	if err := m.verifiableLocked(s); err != nil {
		m.mu.Unlock()
		return err
	}
	if method == "" {
		method = s.SelectedMethod
	}

	if err := ValidateFormat(method, code); err != nil {
		exhausted := m.countFailureLocked(s, method, "invalid_format")
		maxAttempts := s.MaxAttempts
		m.mu.Unlock()
		if exhausted {
			return &domain.MaxAttemptsExceededError{ID: id, MaxAttempts: maxAttempts}
		}
		return err
	}
	snapshot := m.copyLocked(s)
	m.mu.Unlock()

	// The backend check is a suspension point: other sessions keep
	// progressing while this one awaits the deliverer.
	match, err := m.verifyWithBackend(ctx, snapshot, method, code)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok = m.sessions[id]
	if !ok {
		return &domain.SessionNotFoundError{ID: id}
	}
	// Expired or cancelled while the check was in flight; the result is
	// discarded.
	if verr := m.verifiableLocked(s); verr != nil {
		return verr
	}

	if err != nil {
		// Backend trouble counts as a failed attempt rather than
		// crashing the flow.
		m.log.Warn("verification backend error", "session", id, "method", method, "error", err)
		if m.countFailureLocked(s, method, "backend_error") {
			return &domain.MaxAttemptsExceededError{ID: id, MaxAttempts: s.MaxAttempts}
		}
		return fmt.Errorf("verify code: %w", err)
	}
	if !match {
		if m.countFailureLocked(s, method, "wrong_code") {
			return &domain.MaxAttemptsExceededError{ID: id, MaxAttempts: s.MaxAttempts}
		}
		return fmt.Errorf("code rejected (%d/%d attempts)", s.Attempts, s.MaxAttempts)
	}

	sum := sha256.Sum256([]byte(code))
	s.VerifiedCodeHash = hex.EncodeToString(sum[:])
	s.Status = domain.TwoFactorStatusVerified
	metrics.TwoFactorVerifications.WithLabelValues(s.Platform, string(method), "success").Inc()
	m.publish(domain.EventSessionVerified, s, map[string]any{"method": string(method)})
	m.log.Info("two-factor session verified", "session", id, "method", method)
	return nil
}

// verifiableLocked rejects verification on terminal or overdue sessions,
// expiring the latter. Callers hold m.mu.
func (m *Manager) verifiableLocked(s *domain.TwoFactorSession) error {
	if s.Status == domain.TwoFactorStatusExpired {
		return &domain.SessionExpiredError{ID: s.ID, ExpiredAt: s.ExpiresAt}
	}
	if s.Status.Terminal() {
		return m.terminalError(s)
	}
	if m.now().After(s.ExpiresAt) {
		m.expireLocked(s, "timeout")
		return &domain.SessionExpiredError{ID: s.ID, ExpiredAt: s.ExpiresAt}
	}
	return nil
}

// verifyWithBackend shields the manager from a panicking delivery backend.
func (m *Manager) verifyWithBackend(ctx context.Context, s domain.TwoFactorSession, method domain.TwoFactorMethod, code string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("deliverer panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	return m.deliverer.VerifyCode(ctx, s, method, code)
}

// countFailureLocked increments the attempt counter and reports whether the
// budget is now exhausted (the session is expired in that case). Callers
// hold m.mu.
func (m *Manager) countFailureLocked(s *domain.TwoFactorSession, method domain.TwoFactorMethod, cause string) bool {
	s.Attempts++
	metrics.TwoFactorVerifications.WithLabelValues(s.Platform, string(method), cause).Inc()
	if s.Attempts >= s.MaxAttempts {
		m.expireLocked(s, "max_attempts")
		return true
	}
	return false
}

// expireLocked applies the terminal expired transition. Callers hold m.mu.
func (m *Manager) expireLocked(s *domain.TwoFactorSession, reason string) {
	s.Status = domain.TwoFactorStatusExpired
	s.FailureReason = reason
	m.publish(domain.EventSessionFailed, s, map[string]any{
		"reason": reason,
		"kind":   "two_factor",
	})
	m.log.Warn("two-factor session expired", "session", s.ID, "reason", reason)
}

// CancelSession transitions the session to cancelled.
func (m *Manager) CancelSession(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return &domain.SessionNotFoundError{ID: id}
	}
	if s.Status.Terminal() {
		return nil
	}
	s.Status = domain.TwoFactorStatusCancelled
	s.FailureReason = reason
	m.publish(domain.EventSessionCancelled, s, map[string]any{"reason": reason})
	m.log.Info("two-factor session cancelled", "session", id, "reason", reason)
	return nil
}

// GetSession returns a copy of the session.
func (m *Manager) GetSession(id string) (domain.TwoFactorSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return domain.TwoFactorSession{}, &domain.SessionNotFoundError{ID: id}
	}
	return m.copyLocked(s), nil
}

// Stats returns a read-only projection over all sessions.
func (m *Manager) Stats() TwoFactorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStatus := make(map[domain.TwoFactorStatus]int)
	for _, s := range m.sessions {
		byStatus[s.Status]++
	}
	return TwoFactorStats{Total: len(m.sessions), ByStatus: byStatus}
}

// Sweep expires overdue sessions and purges terminal ones until ctx is
// cancelled.
func (m *Manager) Sweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

// CleanupExpired expires overdue sessions and purges terminal sessions past
// the retention window.
func (m *Manager) CleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, s := range m.sessions {
		if !s.Status.Terminal() && now.After(s.ExpiresAt) {
			m.expireLocked(s, "timeout")
			continue
		}
		if s.Status.Terminal() && now.Sub(s.ExpiresAt) > m.cfg.TerminalRetention {
			delete(m.sessions, id)
			m.log.Debug("two-factor session purged", "session", id, "status", s.Status)
		}
	}
}

func (m *Manager) available(s *domain.TwoFactorSession, method domain.TwoFactorMethod) bool {
	for _, cand := range s.AvailableMethods {
		if cand == method {
			return true
		}
	}
	return false
}

func (m *Manager) terminalError(s *domain.TwoFactorSession) error {
	if s.Status == domain.TwoFactorStatusExpired {
		return &domain.SessionExpiredError{ID: s.ID, ExpiredAt: s.ExpiresAt}
	}
	return fmt.Errorf("session %s is %s", s.ID, s.Status)
}

func (m *Manager) copyLocked(s *domain.TwoFactorSession) domain.TwoFactorSession {
	out := *s
	out.AvailableMethods = append([]domain.TwoFactorMethod(nil), s.AvailableMethods...)
	out.Requests = append([]domain.CodeRequest(nil), s.Requests...)
	return out
}

func (m *Manager) publish(t domain.EventType, s *domain.TwoFactorSession, fields map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(domain.Event{
		Type:      t,
		SessionID: s.ID,
		RunID:     s.RunID,
		Platform:  s.Platform,
		Account:   s.Account,
		Fields:    fields,
	})
}
