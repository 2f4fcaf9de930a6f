package domain

import (
	"fmt"
	"time"
)

// CircuitOpenError denies a retry attempt while the breaker for the
// (platform, account) key is open. Callers should not resubmit immediately.
type CircuitOpenError struct {
	Platform   string
	Account    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s/%s, retry after %s", e.Platform, e.Account, e.RetryAfter)
}

// SessionNotFoundError reports an unknown or already-purged session id.
type SessionNotFoundError struct {
	ID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// SessionExpiredError reports a time-boxed flow that ran out. Terminal.
type SessionExpiredError struct {
	ID        string
	ExpiredAt time.Time
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session %s expired at %s", e.ID, e.ExpiredAt.Format(time.RFC3339))
}

// MaxAttemptsExceededError reports an exhausted attempt budget. Terminal.
type MaxAttemptsExceededError struct {
	ID          string
	MaxAttempts int
}

func (e *MaxAttemptsExceededError) Error() string {
	return fmt.Sprintf("session %s exceeded %d attempts", e.ID, e.MaxAttempts)
}

// InvalidFormatError reports a code that does not match the delivery method's
// expected shape. Recoverable, but still consumes an attempt.
type InvalidFormatError struct {
	Method string
	Reason string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("invalid code format for %s: %s", e.Method, e.Reason)
}

// CooldownError reports a resend requested before the method's cooldown elapsed.
type CooldownError struct {
	NextAllowed time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("resend on cooldown until %s", e.NextAllowed.Format(time.RFC3339))
}

// MaintenanceWindowError reports an attempt blocked by a platform maintenance window.
type MaintenanceWindowError struct {
	Platform string
	Until    time.Time
}

func (e *MaintenanceWindowError) Error() string {
	return fmt.Sprintf("platform %s in maintenance until %s", e.Platform, e.Until.Format(time.RFC3339))
}
