package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultMaxRefreshTokens caps outstanding refresh tokens per user.
const DefaultMaxRefreshTokens = 10

// RefreshConfig configures a RefreshRegistry.
type RefreshConfig struct {
	// MaxTokensPerUser evicts the oldest tokens beyond this count.
	// Defaults to DefaultMaxRefreshTokens.
	MaxTokensPerUser int

	// RotateOnRefresh replaces the presented refresh token with a new one on
	// every successful Refresh.
	RotateOnRefresh bool

	Clock func() time.Time
}

// RefreshResult is the outcome of a refresh. Refresh is only set when the
// registry rotates tokens.
type RefreshResult struct {
	UserID  string
	Access  string
	Refresh string
}

// RefreshRegistry tracks which signed refresh tokens are still honoured.
// A refresh token is accepted only while its digest is in the owner's list.
type RefreshRegistry struct {
	store     CredentialStore
	tokens    *TokenIssuer
	maxTokens int
	rotate    bool
	now       func() time.Time
}

// NewRefreshRegistry returns a registry backed by store.
func NewRefreshRegistry(store CredentialStore, tokens *TokenIssuer, cfg RefreshConfig) *RefreshRegistry {
	r := &RefreshRegistry{
		store:     store,
		tokens:    tokens,
		maxTokens: cfg.MaxTokensPerUser,
		rotate:    cfg.RotateOnRefresh,
		now:       cfg.Clock,
	}
	if r.maxTokens <= 0 {
		r.maxTokens = DefaultMaxRefreshTokens
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Issue mints a refresh token for userID and records it.
func (r *RefreshRegistry) Issue(ctx context.Context, userID string) (string, error) {
	token, err := r.tokens.IssueRefresh(userID)
	if err != nil {
		return "", err
	}
	_, err = updateUser(ctx, r.store, userID, func(u *User) error {
		r.add(u, token)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("recording refresh token: %w", err)
	}
	return token, nil
}

// Validate reports whether token is currently registered for userID.
func (r *RefreshRegistry) Validate(ctx context.Context, userID, token string) (bool, error) {
	user, err := r.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return hasToken(user, token), nil
}

// Revoke removes token from userID's list. Revoking an unknown token is not
// an error.
func (r *RefreshRegistry) Revoke(ctx context.Context, userID, token string) error {
	_, err := updateUser(ctx, r.store, userID, func(u *User) error {
		if !removeToken(u, token) {
			return errNoChange
		}
		return nil
	})
	return err
}

// RevokeToken revokes a refresh token identified only by its signed value.
// A token that fails signature or expiry checks yields ErrTokenInvalid.
func (r *RefreshRegistry) RevokeToken(ctx context.Context, token string) (string, error) {
	claims, err := r.tokens.VerifyRefresh(token)
	if err != nil {
		return "", err
	}
	if err := r.Revoke(ctx, claims.Subject, token); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return claims.Subject, nil
		}
		return "", err
	}
	return claims.Subject, nil
}

// RevokeAll drops every refresh token of userID.
func (r *RefreshRegistry) RevokeAll(ctx context.Context, userID string) error {
	_, err := updateUser(ctx, r.store, userID, func(u *User) error {
		if len(u.RefreshTokens) == 0 {
			return errNoChange
		}
		u.RefreshTokens = nil
		return nil
	})
	return err
}

// Refresh exchanges a registered refresh token for a new access token.
// A well-signed token that is no longer registered yields ErrTokenRevoked.
func (r *RefreshRegistry) Refresh(ctx context.Context, token string) (*RefreshResult, error) {
	claims, err := r.tokens.VerifyRefresh(token)
	if err != nil {
		return nil, err
	}
	userID := claims.Subject
	result := &RefreshResult{UserID: userID}

	if r.rotate {
		next, err := r.tokens.IssueRefresh(userID)
		if err != nil {
			return nil, err
		}
		_, err = updateUser(ctx, r.store, userID, func(u *User) error {
			if !removeToken(u, token) {
				return ErrTokenRevoked
			}
			r.add(u, next)
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return nil, ErrTokenRevoked
			}
			return nil, err
		}
		result.Refresh = next
	} else {
		ok, err := r.Validate(ctx, userID, token)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrTokenRevoked
		}
	}

	result.Access, err = r.tokens.IssueAccess(userID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Sweep drops expired refresh tokens across all users and returns how many
// were removed.
func (r *RefreshRegistry) Sweep(ctx context.Context) (int, error) {
	var stale []string
	err := r.store.ForEachUser(ctx, func(u *User) error {
		if r.countExpired(u) > 0 {
			stale = append(stale, u.ID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning users: %w", err)
	}

	removed := 0
	for _, id := range stale {
		dropped := 0
		_, err := updateUser(ctx, r.store, id, func(u *User) error {
			n := len(u.RefreshTokens)
			r.prune(u)
			dropped = n - len(u.RefreshTokens)
			if dropped == 0 {
				return errNoChange
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				continue
			}
			return removed, err
		}
		removed += dropped
	}
	return removed, nil
}

func (r *RefreshRegistry) add(u *User, token string) {
	u.RefreshTokens = append(u.RefreshTokens, RefreshTokenEntry{
		Token:     TokenDigest(token),
		CreatedAt: r.now(),
	})
	r.prune(u)
}

// prune drops entries past the refresh lifetime, then the oldest entries
// beyond the per-user cap.
func (r *RefreshRegistry) prune(u *User) {
	cutoff := r.now().Add(-r.tokens.RefreshTTL())
	kept := u.RefreshTokens[:0]
	for _, e := range u.RefreshTokens {
		if e.CreatedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })
	if len(kept) > r.maxTokens {
		kept = kept[len(kept)-r.maxTokens:]
	}
	if len(kept) == 0 {
		kept = nil
	}
	u.RefreshTokens = kept
}

func (r *RefreshRegistry) countExpired(u *User) int {
	cutoff := r.now().Add(-r.tokens.RefreshTTL())
	n := 0
	for _, e := range u.RefreshTokens {
		if !e.CreatedAt.After(cutoff) {
			n++
		}
	}
	return n
}

func hasToken(u *User, token string) bool {
	digest := []byte(TokenDigest(token))
	for _, e := range u.RefreshTokens {
		if subtle.ConstantTimeCompare([]byte(e.Token), digest) == 1 {
			return true
		}
	}
	return false
}

func removeToken(u *User, token string) bool {
	digest := []byte(TokenDigest(token))
	for i, e := range u.RefreshTokens {
		if subtle.ConstantTimeCompare([]byte(e.Token), digest) == 1 {
			u.RefreshTokens = append(u.RefreshTokens[:i:i], u.RefreshTokens[i+1:]...)
			return true
		}
	}
	return false
}
