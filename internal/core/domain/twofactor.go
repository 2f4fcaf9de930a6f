package domain

import "time"

// TwoFactorStatus represents the lifecycle state of a verification flow.
type TwoFactorStatus string

const (
	TwoFactorStatusWaitingMethod TwoFactorStatus = "waiting_method_selection"
	TwoFactorStatusWaitingCode   TwoFactorStatus = "waiting_code"
	TwoFactorStatusVerified      TwoFactorStatus = "verified"
	TwoFactorStatusExpired       TwoFactorStatus = "expired"
	TwoFactorStatusCancelled     TwoFactorStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TwoFactorStatus) Terminal() bool {
	switch s {
	case TwoFactorStatusVerified, TwoFactorStatusExpired, TwoFactorStatusCancelled:
		return true
	}
	return false
}

// TwoFactorMethod identifies a second-factor delivery channel.
type TwoFactorMethod string

const (
	MethodSMS           TwoFactorMethod = "sms"
	MethodEmail         TwoFactorMethod = "email"
	MethodAuthenticator TwoFactorMethod = "authenticator"
	MethodBackupCode    TwoFactorMethod = "backup_code"
)

// CodeRequest records one code delivery for a method.
type CodeRequest struct {
	RequestID    string          `json:"request_id"`
	Method       TwoFactorMethod `json:"method"`
	SentAt       time.Time       `json:"sent_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	ResendAfter  time.Time       `json:"resend_after"`
	ResendCount  int             `json:"resend_count"`
	DeliveryNote string          `json:"delivery_note,omitempty"`
}

// TwoFactorSession is one second-factor verification flow.
type TwoFactorSession struct {
	ID               string            `json:"id"`
	RunID            string            `json:"run_id"`
	Platform         string            `json:"platform"`
	Account          string            `json:"account"`
	Status           TwoFactorStatus   `json:"status"`
	AvailableMethods []TwoFactorMethod `json:"available_methods"`
	SelectedMethod   TwoFactorMethod   `json:"selected_method,omitempty"`
	Requests         []CodeRequest     `json:"requests"`
	Attempts         int               `json:"attempts"`
	MaxAttempts      int               `json:"max_attempts"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	// VerifiedCodeHash holds the SHA-256 of the accepted code. The raw
	// value is never retained.
	VerifiedCodeHash string `json:"verified_code_hash,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

// ActiveRequest returns the most recent code request for the selected method.
func (s *TwoFactorSession) ActiveRequest() *CodeRequest {
	for i := len(s.Requests) - 1; i >= 0; i-- {
		if s.Requests[i].Method == s.SelectedMethod {
			return &s.Requests[i]
		}
	}
	return nil
}
