// Package password enforces the password policy of password-kind fields,
// hashes accepted passwords with bcrypt and tracks failed logins.
package password

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// Policy defines password complexity rules, hashing cost and lockout
// parameters.
type Policy struct {
	// Enabled indicates whether complexity rules are enforced
	Enabled bool

	// MinLength is the minimum required password length
	MinLength int

	// MaxLength is the maximum allowed password length (0 = unlimited).
	// bcrypt ignores bytes beyond 72.
	MaxLength int

	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSpecial   bool

	// BcryptCost is the bcrypt work factor (0 = bcrypt.DefaultCost)
	BcryptCost int

	// MaxFailures is the number of failed logins before lockout (0 = no lockout)
	MaxFailures int

	// LockoutDuration is how long an account stays locked (0 = until unlocked)
	LockoutDuration time.Duration

	// FailureWindow limits how far back failures are counted (0 = forever)
	FailureWindow time.Duration
}

// ValidationError represents a password validation failure.
type ValidationError struct {
	Code    ValidationErrorCode
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Message
}

// ValidationErrorCode represents specific validation failure types.
type ValidationErrorCode int

const (
	// ErrTooShort indicates password is shorter than MinLength
	ErrTooShort ValidationErrorCode = iota + 1

	// ErrTooLong indicates password exceeds MaxLength
	ErrTooLong

	// ErrNoUppercase indicates missing required uppercase letter
	ErrNoUppercase

	// ErrNoLowercase indicates missing required lowercase letter
	ErrNoLowercase

	// ErrNoDigit indicates missing required digit
	ErrNoDigit

	// ErrNoSpecial indicates missing required special character
	ErrNoSpecial
)

// DefaultPolicy returns the default password policy.
func DefaultPolicy() *Policy {
	return &Policy{
		Enabled:          true,
		MinLength:        8,
		MaxLength:        72,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		BcryptCost:       bcrypt.DefaultCost,
		MaxFailures:      5,
		LockoutDuration:  15 * time.Minute,
		FailureWindow:    15 * time.Minute,
	}
}

// DisabledPolicy returns a policy with complexity and lockout disabled.
func DisabledPolicy() *Policy {
	return &Policy{BcryptCost: bcrypt.MinCost}
}

// Validate checks if a password meets the policy requirements.
func (p *Policy) Validate(password string) error {
	if !p.Enabled {
		return nil
	}

	if p.MinLength > 0 && len(password) < p.MinLength {
		return &ValidationError{
			Code:    ErrTooShort,
			Message: "password is too short",
		}
	}

	if p.MaxLength > 0 && len(password) > p.MaxLength {
		return &ValidationError{
			Code:    ErrTooLong,
			Message: "password is too long",
		}
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case isSpecialChar(r):
			hasSpecial = true
		}
	}

	if p.RequireUppercase && !hasUpper {
		return &ValidationError{
			Code:    ErrNoUppercase,
			Message: "password must contain at least one uppercase letter",
		}
	}

	if p.RequireLowercase && !hasLower {
		return &ValidationError{
			Code:    ErrNoLowercase,
			Message: "password must contain at least one lowercase letter",
		}
	}

	if p.RequireDigit && !hasDigit {
		return &ValidationError{
			Code:    ErrNoDigit,
			Message: "password must contain at least one digit",
		}
	}

	if p.RequireSpecial && !hasSpecial {
		return &ValidationError{
			Code:    ErrNoSpecial,
			Message: "password must contain at least one special character",
		}
	}

	return nil
}

// Clone creates a copy of the policy.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

func isSpecialChar(r rune) bool {
	return strings.ContainsRune("!@#$%^&*()_+-=[]{}|;':\",./<>?`~", r)
}
