package authcore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultMinPasswordLength is the shortest password accepted at registration.
const DefaultMinPasswordLength = 8

// MaxPasswordLength is bcrypt's input limit in bytes.
const MaxPasswordLength = 72

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidEmail reports whether email looks like a deliverable address.
func ValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// PasswordVerifier checks email/password pairs against a CredentialStore.
type PasswordVerifier struct {
	store CredentialStore
	cost  int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewPasswordVerifier returns a verifier hashing with the given bcrypt cost.
// A cost of zero selects bcrypt.DefaultCost.
func NewPasswordVerifier(store CredentialStore, cost int) *PasswordVerifier {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &PasswordVerifier{store: store, cost: cost}
}

// HashPassword returns the bcrypt hash of password.
func (v *PasswordVerifier) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, MaxPasswordLength)
	}
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword returns the user owning email if password matches. Unknown
// email, an account without a password and a wrong password all yield
// ErrInvalidCredential, and all pay for one bcrypt comparison.
func (v *PasswordVerifier) VerifyPassword(ctx context.Context, email, password string) (*User, error) {
	user, err := v.store.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	if user == nil || !user.HasPassword() {
		bcrypt.CompareHashAndPassword(v.dummy(), []byte(password))
		return nil, ErrInvalidCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredential
	}
	return user, nil
}

func (v *PasswordVerifier) dummy() []byte {
	v.dummyOnce.Do(func() {
		v.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("authcore-placeholder-password"), v.cost)
	})
	return v.dummyHash
}

// ValidateRegistration checks the inputs of a password registration.
func ValidateRegistration(email, password string, minLength int) error {
	if minLength <= 0 {
		minLength = DefaultMinPasswordLength
	}
	if email == "" || password == "" {
		return fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	if !ValidEmail(email) {
		return fmt.Errorf("%w: invalid email format", ErrInvalidInput)
	}
	if len(password) < minLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, MaxPasswordLength)
	}
	return nil
}
