package authcore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider names an external identity provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
)

// RefreshTokenEntry is one outstanding refresh token. Token holds the
// SHA-256 digest of the issued JWT, never the raw value.
type RefreshTokenEntry struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// MagicLinkToken is the single pending magic link of a user. Token holds the
// SHA-256 digest of the value that was mailed out.
type MagicLinkToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the link can no longer be used at now.
func (m *MagicLinkToken) IsExpired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// User is the canonical account record shared by every credential kind.
type User struct {
	ID            string              `json:"id"`
	Email         string              `json:"email,omitempty"`
	PasswordHash  string              `json:"password_hash,omitempty"`
	Name          string              `json:"name,omitempty"`
	GoogleID      string              `json:"google_id,omitempty"`
	GitHubID      string              `json:"github_id,omitempty"`
	TOTPSecret    string              `json:"totp_secret,omitempty"`
	TOTPEnabled   bool                `json:"totp_enabled"`
	RefreshTokens []RefreshTokenEntry `json:"refresh_tokens,omitempty"`
	MagicLink     *MagicLinkToken     `json:"magic_link,omitempty"`

	// Version is bumped by every successful Save.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPassword reports whether the account can log in with a password.
func (u *User) HasPassword() bool { return u.PasswordHash != "" }

// ProviderID returns the external id linked for the given provider.
func (u *User) ProviderID(p Provider) string {
	switch p {
	case ProviderGoogle:
		return u.GoogleID
	case ProviderGitHub:
		return u.GitHubID
	}
	return ""
}

// SetProviderID links an external id for the given provider.
func (u *User) SetProviderID(p Provider, id string) {
	switch p {
	case ProviderGoogle:
		u.GoogleID = id
	case ProviderGitHub:
		u.GitHubID = id
	}
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (u *User) Clone() *User {
	c := *u
	if u.RefreshTokens != nil {
		c.RefreshTokens = append([]RefreshTokenEntry(nil), u.RefreshTokens...)
	}
	if u.MagicLink != nil {
		ml := *u.MagicLink
		c.MagicLink = &ml
	}
	return &c
}

// CredentialStore persists users. Implementations must enforce uniqueness of
// Email (when non-empty), GoogleID and GitHubID, and the Version check on Save.
type CredentialStore interface {
	// FindByEmail returns ErrUserNotFound when no user owns the address.
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	FindByProviderID(ctx context.Context, provider Provider, providerID string) (*User, error)

	// Create inserts a new user with Version 1. A uniqueness violation
	// returns ErrUserExists.
	Create(ctx context.Context, user *User) error

	// Save writes user if the stored Version still equals user.Version and
	// increments it; otherwise ErrVersionConflict.
	Save(ctx context.Context, user *User) error

	// UpsertByProvider returns the user already linked to the candidate's
	// provider id, or inserts the candidate. The lookup and insert are one
	// atomic step. created reports whether the candidate was inserted.
	UpsertByProvider(ctx context.Context, provider Provider, candidate *User) (user *User, created bool, err error)

	// ForEachUser visits every user. Returning an error stops the walk.
	ForEachUser(ctx context.Context, fn func(*User) error) error
}

// NormalizeEmail trims and lower-cases an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// TokenDigest returns the hex SHA-256 of a token as stored at rest.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewUserID returns a random user id.
func NewUserID() string {
	id, err := GenerateSecureToken(16)
	if err != nil {
		panic(fmt.Sprintf("authcore: reading random bytes: %v", err))
	}
	return id
}

const maxUpdateAttempts = 5

// errNoChange tells updateUser that fn left the user untouched.
var errNoChange = errors.New("no change")

// updateUser loads a user, applies fn and saves the result, retrying from a
// fresh read when another writer got there first. Errors returned by fn abort
// the update and are passed through unchanged.
func updateUser(ctx context.Context, store CredentialStore, userID string, fn func(*User) error) (*User, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		user, err := store.FindByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := fn(user); err != nil {
			if errors.Is(err, errNoChange) {
				return user, nil
			}
			return nil, err
		}
		err = store.Save(ctx, user)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("updating user %s: %w", userID, ErrVersionConflict)
}
