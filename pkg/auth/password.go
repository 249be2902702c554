package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost     = 14 // OWASP 2026 recommendation - stronger than cost 12 (Feb 2026)
	MinPasswordLen = 8
	MaxPasswordLen = 72 // bcrypt input limit in bytes
)

var (
	ErrEmptyPassword   = errors.New("password cannot be empty")
	ErrMalformedHash   = errors.New("malformed password hash")
	ErrPasswordInvalid = errors.New("password does not match")
)

// Hasher produces and checks bcrypt hashes at a configurable cost.
type Hasher struct {
	Cost int
}

// NewHasher returns a Hasher with cost clamped to the bcrypt range.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

// Hash returns a self-describing hash (algorithm, cost and salt embedded).
// Two calls with the same input never return the same output.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > MaxPasswordLen {
		return "", fmt.Errorf("password longer than %d bytes", MaxPasswordLen)
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// Check compares password against hash and returns the reason for any
// mismatch so callers can log it.
func (h *Hasher) Check(password, hash string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("password check panicked: %v", r)
		}
	}()

	if password == "" {
		return ErrEmptyPassword
	}
	if _, costErr := bcrypt.Cost([]byte(hash)); costErr != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHash, costErr)
	}
	// Hash refuses such input, so no stored hash can match it.
	if len(password) > MaxPasswordLen {
		return ErrPasswordInvalid
	}
	if cmpErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); cmpErr != nil {
		if errors.Is(cmpErr, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordInvalid
		}
		return fmt.Errorf("%w: %v", ErrMalformedHash, cmpErr)
	}
	return nil
}

// Verify fails closed: any error, including malformed input, is false.
func (h *Hasher) Verify(password, hash string) bool {
	return h.Check(password, hash) == nil
}

// RandomSecret returns n random bytes, base64 encoded.
func RandomSecret(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// PasswordValidationError holds validation error details (internal use only)
type PasswordValidationError struct {
	Errors []string
}

func (e *PasswordValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "password validation failed"
	}
	// Return generic error to users - never expose specific requirements to prevent enumeration attacks
	return "invalid password"
}

// PasswordPolicy is enforced by callers before hashing.
type PasswordPolicy struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
	HistorySize    int           // last N hashes that may not be reused
	MaxAge         time.Duration // zero disables expiry
}

// DefaultPasswordPolicy mirrors the built-in configuration defaults.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:      MinPasswordLen,
		RequireUpper:   true,
		RequireLower:   true,
		RequireDigit:   true,
		RequireSpecial: true,
		HistorySize:    5,
		MaxAge:         90 * 24 * time.Hour,
	}
}

// Common weak passwords to reject
var commonPasswords = map[string]bool{
	"password":     true,
	"12345678":     true,
	"qwerty":       true,
	"abc123":       true,
	"password123":  true,
	"password123!": true,
	"123456":       true,
	"admin":        true,
	"letmein":      true,
	"welcome":      true,
	"monkey":       true,
	"dragon":       true,
	"master":       true,
	"123123":       true,
	"passw0rd":     true,
	"shadow":       true,
	"sunshine":     true,
	"princess":     true,
	"starwars":     true,
	"football":     true,
	"trustno1":     true,
}

// Validate checks length, character classes and the common-password list.
func (p PasswordPolicy) Validate(password string) error {
	errs := make([]string, 0)

	minLen := p.MinLength
	if minLen <= 0 {
		minLen = MinPasswordLen
	}
	if len(password) < minLen {
		errs = append(errs, fmt.Sprintf("must be at least %d characters", minLen))
	}
	if len(password) > MaxPasswordLen {
		errs = append(errs, fmt.Sprintf("must be at most %d bytes", MaxPasswordLen))
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
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if p.RequireUpper && !hasUpper {
		errs = append(errs, "must contain at least one uppercase letter")
	}
	if p.RequireLower && !hasLower {
		errs = append(errs, "must contain at least one lowercase letter")
	}
	if p.RequireDigit && !hasDigit {
		errs = append(errs, "must contain at least one digit")
	}
	if p.RequireSpecial && !hasSpecial {
		errs = append(errs, "must contain at least one special character")
	}

	// Check against common passwords (case-insensitive)
	if commonPasswords[strings.ToLower(password)] {
		errs = append(errs, "is too common, please choose a more unique password")
	}

	if len(errs) > 0 {
		return &PasswordValidationError{Errors: errs}
	}
	return nil
}

// ReusesHistory reports whether password matches any of the given
// historical hashes. Only the first HistorySize hashes are considered.
func (p PasswordPolicy) ReusesHistory(h *Hasher, password string, history []string) bool {
	if p.HistorySize <= 0 {
		return false
	}
	if len(history) > p.HistorySize {
		history = history[:p.HistorySize]
	}
	for _, old := range history {
		if h.Verify(password, old) {
			return true
		}
	}
	return false
}

// ExpiresAt returns the expiry for a password changed at changedAt, or nil
// when expiry is disabled.
func (p PasswordPolicy) ExpiresAt(changedAt time.Time) *time.Time {
	if p.MaxAge <= 0 {
		return nil
	}
	t := changedAt.Add(p.MaxAge)
	return &t
}
