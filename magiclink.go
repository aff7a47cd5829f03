package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultMagicLinkTTL is how long a mailed link stays valid.
const DefaultMagicLinkTTL = 15 * time.Minute

// MagicLinkVerifyPath is where mailed links point, relative to the base URL.
const MagicLinkVerifyPath = "/auth/magic/verify"

// MagicLinkConfig configures a MagicLinkManager.
type MagicLinkConfig struct {
	BaseURL string        // Public origin links are built against
	TTL     time.Duration // Defaults to DefaultMagicLinkTTL
	Clock   func() time.Time
}

// MagicLinkManager issues and redeems single-use login links.
type MagicLinkManager struct {
	store   CredentialStore
	mailer  Mailer
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewMagicLinkManager returns a manager sending links through mailer.
func NewMagicLinkManager(store CredentialStore, mailer Mailer, cfg MagicLinkConfig) *MagicLinkManager {
	m := &MagicLinkManager{
		store:   store,
		mailer:  mailer,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		ttl:     cfg.TTL,
		now:     cfg.Clock,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultMagicLinkTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Request mails a fresh login link to email, creating a password-less
// account for unknown addresses. Any earlier pending link is replaced.
func (m *MagicLinkManager) Request(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return fmt.Errorf("%w: invalid email format", ErrInvalidInput)
	}
	user, err := m.findOrCreate(ctx, email)
	if err != nil {
		return err
	}

	token, err := GenerateSecureToken(32)
	if err != nil {
		return err
	}
	expiresAt := m.now().Add(m.ttl)
	_, err = updateUser(ctx, m.store, user.ID, func(u *User) error {
		u.MagicLink = &MagicLinkToken{Token: TokenDigest(token), ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing magic link: %w", err)
	}

	link := m.Link(email, token)
	if err := m.mailer.Send(ctx, email, "Your magic link", "Click: "+link); err != nil {
		return fmt.Errorf("sending magic link: %w", err)
	}
	return nil
}

// Link builds the URL mailed for token.
func (m *MagicLinkManager) Link(email, token string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("email", email)
	return m.baseURL + MagicLinkVerifyPath + "?" + q.Encode()
}

// Verify redeems a link. Unknown users, missing links and mismatched tokens
// all yield ErrInvalidLink; a matching but stale link yields ErrExpiredLink.
// A link verifies at most once.
func (m *MagicLinkManager) Verify(ctx context.Context, email, token string) (*User, error) {
	if email == "" || token == "" {
		return nil, ErrInvalidLink
	}
	user, err := m.store.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidLink
		}
		return nil, err
	}
	digest := []byte(TokenDigest(token))
	return updateUser(ctx, m.store, user.ID, func(u *User) error {
		if u.MagicLink == nil || subtle.ConstantTimeCompare([]byte(u.MagicLink.Token), digest) != 1 {
			return ErrInvalidLink
		}
		if u.MagicLink.IsExpired(m.now()) {
			return ErrExpiredLink
		}
		u.MagicLink = nil
		return nil
	})
}

func (m *MagicLinkManager) findOrCreate(ctx context.Context, email string) (*User, error) {
	user, err := m.store.FindByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	user = &User{ID: NewUserID(), Email: email, Name: localPart(email)}
	if err := m.store.Create(ctx, user); err != nil {
		if errors.Is(err, ErrUserExists) {
			return m.store.FindByEmail(ctx, email)
		}
		return nil, err
	}
	return user, nil
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
