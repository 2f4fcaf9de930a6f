package domain

import "time"

// RetryStatus represents the lifecycle state of a retry session.
type RetryStatus string

const (
	RetryStatusPending   RetryStatus = "pending"
	RetryStatusExecuting RetryStatus = "executing"
	RetryStatusCompleted RetryStatus = "completed"
	RetryStatusFailed    RetryStatus = "failed"
	RetryStatusCancelled RetryStatus = "cancelled"
	RetryStatusError     RetryStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s RetryStatus) Terminal() bool {
	switch s {
	case RetryStatusCompleted, RetryStatusFailed, RetryStatusCancelled, RetryStatusError:
		return true
	}
	return false
}

// ErrorType classifies a failed automation run.
type ErrorType string

const (
	ErrorTypeNetwork          ErrorType = "network"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeRateLimited      ErrorType = "rate_limited"
	ErrorTypeCaptcha          ErrorType = "captcha"
	ErrorTypeWorkerCrashed    ErrorType = "worker_crashed"
	ErrorTypeTwoFactorExpired ErrorType = "2fa_expired"

	// Non-retryable: routed to the two-factor manager or surfaced directly.
	ErrorTypeInvalidCredentials ErrorType = "invalid_credentials"
	ErrorTypeTwoFactorRequired  ErrorType = "2fa_required"
	ErrorTypeAccountLocked      ErrorType = "account_locked"
	ErrorTypeAccountDisabled    ErrorType = "account_disabled"
	ErrorTypeUnknown            ErrorType = "unknown"
)

// Attempt is one execution record inside a RetrySession. Immutable once appended.
type Attempt struct {
	Number    int           `json:"number"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// RetrySession is one recovery attempt chain for one failed automation run.
type RetrySession struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"`
	Platform    string            `json:"platform"`
	Account     string            `json:"account"`
	ErrorType   ErrorType         `json:"error_type"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	Status      RetryStatus       `json:"status"`
	Attempts    []Attempt         `json:"attempts"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	NextAttempt time.Time         `json:"next_attempt"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
