package twofactor

import (
	"strings"
	"time"

	"github.com/vietddude/loginflow/internal/core/domain"
)

// MethodRule holds the per-channel timing and code-shape rules.
type MethodRule struct {
	Expiry         time.Duration
	ResendCooldown time.Duration
	CodeLength     int
	Numeric        bool
}

// methodRules captures how each delivery channel behaves: SMS and email
// codes are short-lived numerics with carrier-paced resends, authenticator
// codes rotate on their own, backup codes are long alphanumerics.
var methodRules = map[domain.TwoFactorMethod]MethodRule{
	domain.MethodSMS: {
		Expiry:         5 * time.Minute,
		ResendCooldown: 60 * time.Second,
		CodeLength:     6,
		Numeric:        true,
	},
	domain.MethodEmail: {
		Expiry:         10 * time.Minute,
		ResendCooldown: 90 * time.Second,
		CodeLength:     6,
		Numeric:        true,
	},
	domain.MethodAuthenticator: {
		Expiry:         2 * time.Minute,
		ResendCooldown: 30 * time.Second,
		CodeLength:     6,
		Numeric:        true,
	},
	domain.MethodBackupCode: {
		Expiry:         30 * time.Minute,
		ResendCooldown: 30 * time.Second,
		CodeLength:     8,
		Numeric:        false,
	},
}

// platformMethods lists the channels each platform offers, in preference
// order. Unknown platforms fall back to defaultMethods.
var platformMethods = map[string][]domain.TwoFactorMethod{
	"facebook":  {domain.MethodAuthenticator, domain.MethodSMS, domain.MethodBackupCode},
	"instagram": {domain.MethodAuthenticator, domain.MethodSMS, domain.MethodBackupCode},
	"google":    {domain.MethodAuthenticator, domain.MethodSMS, domain.MethodEmail, domain.MethodBackupCode},
	"linkedin":  {domain.MethodAuthenticator, domain.MethodSMS, domain.MethodEmail},
	"twitter":   {domain.MethodAuthenticator, domain.MethodSMS, domain.MethodBackupCode},
}

var defaultMethods = []domain.TwoFactorMethod{domain.MethodAuthenticator, domain.MethodSMS}

// MethodsFor returns the available method list for a platform, optionally
// prioritizing a method the automation driver detected on the challenge page.
func MethodsFor(platform string, detected domain.TwoFactorMethod) []domain.TwoFactorMethod {
	src, ok := platformMethods[platform]
	if !ok {
		src = defaultMethods
	}
	methods := append([]domain.TwoFactorMethod(nil), src...)
	if detected == "" {
		return methods
	}
	for i, m := range methods {
		if m == detected {
			methods[0], methods[i] = methods[i], methods[0]
			break
		}
	}
	return methods
}

// RuleFor returns the timing rule for a method; unknown methods get the SMS
// rule as a conservative default.
func RuleFor(method domain.TwoFactorMethod) MethodRule {
	if r, ok := methodRules[method]; ok {
		return r
	}
	return methodRules[domain.MethodSMS]
}

// ValidateFormat checks a submitted code against the method's expected
// length and character class. A format failure still consumes an attempt.
func ValidateFormat(method domain.TwoFactorMethod, code string) error {
	rule := RuleFor(method)
	code = strings.TrimSpace(code)

	if len(code) != rule.CodeLength {
		return &domain.InvalidFormatError{
			Method: string(method),
			Reason: "wrong length",
		}
	}
	for _, r := range code {
		if rule.Numeric {
			if r < '0' || r > '9' {
				return &domain.InvalidFormatError{
					Method: string(method),
					Reason: "expected digits only",
				}
			}
			continue
		}
		alnum := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !alnum {
			return &domain.InvalidFormatError{
				Method: string(method),
				Reason: "expected alphanumeric",
			}
		}
	}
	return nil
}
