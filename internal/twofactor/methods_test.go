package twofactor

import (
	"errors"
	"testing"
	"time"

	"github.com/vietddude/loginflow/internal/core/domain"
)

func TestMethodsFor(t *testing.T) {
	tests := []struct {
		name     string
		platform string
		detected domain.TwoFactorMethod
		first    domain.TwoFactorMethod
		count    int
	}{
		{"google default order", "google", "", domain.MethodAuthenticator, 4},
		{"detected moves to front", "google", domain.MethodEmail, domain.MethodEmail, 4},
		{"detected already first", "facebook", domain.MethodAuthenticator, domain.MethodAuthenticator, 3},
		{"unknown platform falls back", "myspace", "", domain.MethodAuthenticator, 2},
		{"detected not offered is ignored", "facebook", domain.MethodEmail, domain.MethodAuthenticator, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MethodsFor(tt.platform, tt.detected)
			if len(got) != tt.count {
				t.Fatalf("len = %d, want %d", len(got), tt.count)
			}
			if got[0] != tt.first {
				t.Errorf("first method = %v, want %v", got[0], tt.first)
			}
		})
	}
}

func TestMethodsForDoesNotMutateTable(t *testing.T) {
	before := platformMethods["google"][0]
	MethodsFor("google", domain.MethodBackupCode)
	if platformMethods["google"][0] != before {
		t.Error("MethodsFor mutated the shared platform table")
	}
}

func TestRuleFor(t *testing.T) {
	if r := RuleFor(domain.MethodBackupCode); r.CodeLength != 8 || r.Numeric {
		t.Errorf("backup_code rule = %+v", r)
	}
	if r := RuleFor(domain.MethodSMS); r.Expiry != 5*time.Minute {
		t.Errorf("sms expiry = %v, want 5m", r.Expiry)
	}
	// Unknown methods get the SMS rule.
	if r := RuleFor("carrier_pigeon"); r != methodRules[domain.MethodSMS] {
		t.Errorf("unknown method rule = %+v", r)
	}
}

func TestValidateFormat(t *testing.T) {
	tests := []struct {
		name   string
		method domain.TwoFactorMethod
		code   string
		ok     bool
	}{
		{"valid sms code", domain.MethodSMS, "123456", true},
		{"whitespace trimmed", domain.MethodSMS, " 123456 ", true},
		{"too short", domain.MethodSMS, "12345", false},
		{"too long", domain.MethodSMS, "1234567", false},
		{"letters in numeric code", domain.MethodAuthenticator, "12a456", false},
		{"valid backup code", domain.MethodBackupCode, "a1b2c3d4", true},
		{"backup code wrong length", domain.MethodBackupCode, "a1b2c3", false},
		{"backup code with symbol", domain.MethodBackupCode, "a1b2c3d!", false},
		{"empty code", domain.MethodEmail, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFormat(tt.method, tt.code)
			if tt.ok && err != nil {
				t.Errorf("ValidateFormat(%q) = %v, want nil", tt.code, err)
			}
			if !tt.ok {
				var fe *domain.InvalidFormatError
				if !errors.As(err, &fe) {
					t.Errorf("ValidateFormat(%q) = %v, want InvalidFormatError", tt.code, err)
				}
			}
		})
	}
}
