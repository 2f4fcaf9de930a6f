// Package recovery decides whether, when, and how to re-attempt failed
// automation runs: per-session exponential backoff, per-(platform, account)
// circuit breaking, and rolling-window failure pattern analysis.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/loginflow/internal/bus"
	"github.com/vietddude/loginflow/internal/core/domain"
	"github.com/vietddude/loginflow/internal/metrics"
)

// Driver executes one recovery attempt against the automation backend.
// Implementations must honor ctx: the manager bounds every attempt with a
// fixed timeout and discards results that arrive after cancellation.
type Driver interface {
	ExecuteAttempt(ctx context.Context, session domain.RetrySession) error
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, session domain.RetrySession) error

func (f DriverFunc) ExecuteAttempt(ctx context.Context, session domain.RetrySession) error {
	return f(ctx, session)
}

// nonRetryable error types are never re-attempted by the retry engine; they
// are routed to the two-factor manager or surfaced to operators instead.
var nonRetryable = map[domain.ErrorType]bool{
	domain.ErrorTypeInvalidCredentials: true,
	domain.ErrorTypeTwoFactorRequired:  true,
	domain.ErrorTypeAccountLocked:      true,
	domain.ErrorTypeAccountDisabled:    true,
	domain.ErrorTypeUnknown:            true,
}

// ManagerConfig tunes the retry session manager.
type ManagerConfig struct {
	AttemptTimeout     time.Duration             `yaml:"attempt_timeout"`
	Retention          time.Duration             `yaml:"retention"`
	CompletedRetention time.Duration             `yaml:"completed_retention"`
	CleanupInterval    time.Duration             `yaml:"cleanup_interval"`
	Breaker            BreakerConfig             `yaml:"breaker"`
	Pattern            PatternConfig             `yaml:"pattern"`
	Platforms          map[string]PlatformTuning `yaml:"platforms"`
}

// DefaultManagerConfig returns the stock retry tuning.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		AttemptTimeout:     60 * time.Second,
		Retention:          24 * time.Hour,
		CompletedRetention: time.Hour,
		CleanupInterval:    5 * time.Minute,
		Breaker:            DefaultBreakerConfig(),
		Pattern:            DefaultPatternConfig(),
	}
}

func (c ManagerConfig) normalize() ManagerConfig {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 60 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	return c
}

type session struct {
	domain.RetrySession
	strategy Strategy
}

// InitRequest describes a reported failure to open a retry session for.
type InitRequest struct {
	RunID       string
	Platform    string
	Account     string
	ErrorType   domain.ErrorType
	ErrorDetail string
	Metadata    map[string]string
}

// RetryStats is a read-only projection over the manager's sessions.
type RetryStats struct {
	Total            int                        `json:"total"`
	ByStatus         map[domain.RetryStatus]int `json:"by_status"`
	PendingCallbacks int                        `json:"pending_callbacks"`
	Breakers         []BreakerSnapshot          `json:"breakers"`
}

// Manager owns the lifecycle of retry sessions. All session state is
// in-memory and rebuildable from live automation state after a restart.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	resolver *Resolver
	breakers *BreakerRegistry
	patterns *PatternAnalyzer
	sched    *scheduler
	driver   Driver
	bus      *bus.Bus
	log      *slog.Logger
	cfg      ManagerConfig
	now      func() time.Time
}

// NewManager creates a retry session manager.
func NewManager(cfg ManagerConfig, driver Driver, b *bus.Bus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalize()
	return &Manager{
		sessions: make(map[string]*session),
		resolver: NewResolver(cfg.Platforms),
		breakers: NewBreakerRegistry(cfg.Breaker, b, log),
		patterns: NewPatternAnalyzer(cfg.Pattern, b, log),
		sched:    newScheduler(),
		driver:   driver,
		bus:      b,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Breakers exposes the circuit breaker registry (shared with sweeps and stats).
func (m *Manager) Breakers() *BreakerRegistry { return m.breakers }

// Patterns exposes the failure pattern analyzer.
func (m *Manager) Patterns() *PatternAnalyzer { return m.patterns }

// InitializeSession creates a retry session for a reported failure and
// schedules its first attempt. It fails with *domain.CircuitOpenError when
// the breaker for (platform, account) is open, without creating a session.
func (m *Manager) InitializeSession(ctx context.Context, req InitRequest) (domain.RetrySession, error) {
	// A read, not an admission: probe slots are spent when the attempt runs.
	if err := m.breakers.Denied(req.Platform, req.Account); err != nil {
		return domain.RetrySession{}, err
	}

	strat := m.resolver.Resolve(req.ErrorType, req.Platform)
	now := m.now()
	delay := strat.Delay(0) + m.resolver.PreDelay(req.Platform)

	s := &session{
		RetrySession: domain.RetrySession{
			ID:          uuid.New().String(),
			RunID:       req.RunID,
			Platform:    req.Platform,
			Account:     req.Account,
			ErrorType:   req.ErrorType,
			ErrorDetail: req.ErrorDetail,
			Status:      domain.RetryStatusPending,
			MaxAttempts: strat.MaxAttempts,
			NextAttempt: now.Add(delay),
			CreatedAt:   now,
			Metadata:    req.Metadata,
		},
		strategy: strat,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	metrics.RetrySessionsActive.Inc()
	m.publish(domain.EventSessionCreated, &s.RetrySession, map[string]any{
		"error_type":   string(req.ErrorType),
		"max_attempts": strat.MaxAttempts,
		"first_delay":  delay.String(),
	})
	m.log.Info("retry session created",
		"session", s.ID, "run", req.RunID, "platform", req.Platform,
		"error_type", req.ErrorType, "first_delay", delay)

	id := s.ID
	m.sched.Schedule(id, delay, func() { m.executeAttempt(id) })
	return s.RetrySession, nil
}

// executeAttempt is invoked only by the scheduler. It is a no-op unless the
// session is pending.
func (m *Manager) executeAttempt(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Status != domain.RetryStatusPending {
		m.mu.Unlock()
		return
	}

	now := m.now()
	if in, until := m.resolver.InMaintenance(s.Platform, now); in {
		// Maintenance blocks do not consume an attempt; push past the window.
		mwErr := &domain.MaintenanceWindowError{Platform: s.Platform, Until: until}
		wait := until.Sub(now) + minDelay
		s.NextAttempt = now.Add(wait)
		m.sched.Schedule(id, wait, func() { m.executeAttempt(id) })
		m.publish(domain.EventAttemptDeferred, &s.RetrySession, map[string]any{
			"reason": "maintenance_window",
			"error":  mwErr.Error(),
			"until":  until.Format(time.RFC3339),
		})
		m.mu.Unlock()
		m.log.Info("attempt deferred by maintenance window",
			"session", id, "platform", s.Platform, "until", until)
		return
	}

	if err := m.breakers.Allow(s.Platform, s.Account); err != nil {
		m.finishLocked(s, domain.RetryStatusFailed, "circuit_open", err.Error())
		m.mu.Unlock()
		return
	}

	if m.driver == nil {
		m.finishLocked(s, domain.RetryStatusError, "internal_error", "no driver configured")
		m.mu.Unlock()
		return
	}

	s.Status = domain.RetryStatusExecuting
	snapshot := s.RetrySession
	m.mu.Unlock()

	start := m.now()
	err := m.runDriver(snapshot)
	end := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok = m.sessions[id]
	if !ok || s.Status != domain.RetryStatusExecuting {
		// Cancelled (or purged) while the attempt was in flight; the
		// result is discarded.
		return
	}

	att := domain.Attempt{
		Number:    s.Attempt + 1,
		StartedAt: start,
		EndedAt:   end,
		Duration:  end.Sub(start),
		Success:   err == nil,
	}
	if err != nil {
		att.Error = err.Error()
	}
	s.Attempts = append(s.Attempts, att)
	s.Attempt++

	if err == nil {
		m.breakers.RecordSuccess(s.Platform, s.Account)
		metrics.RetryAttempts.WithLabelValues(s.Platform, "success").Inc()
		s.Status = domain.RetryStatusCompleted
		s.CompletedAt = end
		metrics.RetrySessionsActive.Dec()
		m.publish(domain.EventAttemptSuccess, &s.RetrySession, map[string]any{
			"attempt":  att.Number,
			"duration": att.Duration.String(),
		})
		m.log.Info("retry attempt succeeded", "session", id, "attempt", att.Number)
		return
	}

	m.breakers.RecordFailure(s.Platform, s.Account)
	m.patterns.Record(s.Platform, s.ErrorType)
	metrics.RetryAttempts.WithLabelValues(s.Platform, "failure").Inc()
	m.publish(domain.EventAttemptFailed, &s.RetrySession, map[string]any{
		"attempt": att.Number,
		"error":   att.Error,
	})
	m.log.Warn("retry attempt failed",
		"session", id, "attempt", att.Number, "error", err)

	switch {
	case nonRetryable[s.ErrorType]:
		m.finishLocked(s, domain.RetryStatusFailed, "non_retryable", att.Error)
	case s.Attempt >= s.MaxAttempts:
		m.finishLocked(s, domain.RetryStatusFailed, "max_attempts", att.Error)
	case m.breakers.Denied(s.Platform, s.Account) != nil:
		m.finishLocked(s, domain.RetryStatusFailed, "circuit_open", att.Error)
	default:
		delay := s.strategy.Delay(s.Attempt) + m.resolver.PreDelay(s.Platform)
		s.Status = domain.RetryStatusPending
		s.NextAttempt = m.now().Add(delay)
		m.sched.Schedule(id, delay, func() { m.executeAttempt(id) })
		m.log.Info("retry attempt rescheduled",
			"session", id, "next_attempt", s.Attempt+1, "delay", delay)
	}
}

// runDriver bounds the attempt with the configured timeout and converts a
// panicking driver into an ordinary failed attempt so one misbehaving
// attempt never takes down the orchestrator.
func (m *Manager) runDriver(snapshot domain.RetrySession) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v", r)
			m.log.Error("driver panicked during attempt", "session", snapshot.ID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AttemptTimeout)
	defer cancel()
	return m.driver.ExecuteAttempt(ctx, snapshot)
}

// CancelSession transitions the session to cancelled and clears any pending
// scheduled callback. An in-flight attempt is allowed to finish; its result
// is discarded. No-op when the session is already terminal.
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

	m.sched.Cancel(id)
	s.Status = domain.RetryStatusCancelled
	s.CompletedAt = m.now()
	metrics.RetrySessionsActive.Dec()
	m.publish(domain.EventSessionCancelled, &s.RetrySession, map[string]any{"reason": reason})
	m.log.Info("retry session cancelled", "session", id, "reason", reason)
	return nil
}

// GetSession returns a copy of the session.
func (m *Manager) GetSession(id string) (domain.RetrySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return domain.RetrySession{}, &domain.SessionNotFoundError{ID: id}
	}
	out := s.RetrySession
	out.Attempts = append([]domain.Attempt(nil), s.Attempts...)
	return out, nil
}

// Stats returns a read-only projection over all sessions and breakers.
func (m *Manager) Stats() RetryStats {
	m.mu.Lock()
	byStatus := make(map[domain.RetryStatus]int)
	for _, s := range m.sessions {
		byStatus[s.Status]++
	}
	total := len(m.sessions)
	m.mu.Unlock()

	return RetryStats{
		Total:            total,
		ByStatus:         byStatus,
		PendingCallbacks: m.sched.Pending(),
		Breakers:         m.breakers.Snapshot(),
	}
}

// Sweep purges terminal sessions past retention until ctx is cancelled:
// one hour after completion, or 24 hours after creation for any session.
func (m *Manager) Sweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.sched.Stop()
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, s := range m.sessions {
		expired := now.Sub(s.CreatedAt) > m.cfg.Retention
		done := s.Status.Terminal() && !s.CompletedAt.IsZero() &&
			now.Sub(s.CompletedAt) > m.cfg.CompletedRetention
		if !expired && !done {
			continue
		}
		m.sched.Cancel(id)
		if !s.Status.Terminal() {
			metrics.RetrySessionsActive.Dec()
		}
		delete(m.sessions, id)
		m.log.Debug("retry session purged", "session", id, "status", s.Status)
	}
}

// finishLocked applies a terminal transition. Callers hold m.mu.
func (m *Manager) finishLocked(s *session, status domain.RetryStatus, reason, detail string) {
	s.Status = status
	s.CompletedAt = m.now()
	metrics.RetrySessionsActive.Dec()
	m.publish(domain.EventSessionFailed, &s.RetrySession, map[string]any{
		"reason": reason,
		"detail": detail,
	})
	m.log.Warn("retry session finished without success",
		"session", s.ID, "status", status, "reason", reason)
}

func (m *Manager) publish(t domain.EventType, s *domain.RetrySession, fields map[string]any) {
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
