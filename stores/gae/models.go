//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"
	ac "github.com/panyam/authcore"
)

// UserEntity is the Datastore entity for users
type UserEntity struct {
	Key                *datastore.Key       `datastore:"__key__"`
	Email              string               `datastore:"email"`
	PasswordHash       string               `datastore:"password_hash,noindex"`
	Name               string               `datastore:"name,noindex"`
	GoogleID           string               `datastore:"google_id"`
	GitHubID           string               `datastore:"github_id"`
	TOTPSecret         string               `datastore:"totp_secret,noindex"`
	TOTPEnabled        bool                 `datastore:"totp_enabled,noindex"`
	MagicLinkToken     string               `datastore:"magic_link_token,noindex"`
	MagicLinkExpiresAt time.Time            `datastore:"magic_link_expires_at,noindex"`
	RefreshTokens      []RefreshTokenEntity `datastore:"refresh_tokens,noindex"`
	Version            int                  `datastore:"version"`
	CreatedAt          time.Time            `datastore:"created_at"`
	UpdatedAt          time.Time            `datastore:"updated_at"`
}

// RefreshTokenEntity is one refresh token digest embedded in a user
type RefreshTokenEntity struct {
	TokenHash string    `datastore:"token_hash,noindex"`
	CreatedAt time.Time `datastore:"created_at,noindex"`
}

// UniqueEntity claims a unique value for a user
// Key format: Kind + ":" + Value
type UniqueEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	UserID    string         `datastore:"user_id,noindex"`
	CreatedAt time.Time      `datastore:"created_at,noindex"`
}

func (e *UserEntity) ToUser() *ac.User {
	u := &ac.User{
		Email:        e.Email,
		PasswordHash: e.PasswordHash,
		Name:         e.Name,
		GoogleID:     e.GoogleID,
		GitHubID:     e.GitHubID,
		TOTPSecret:   e.TOTPSecret,
		TOTPEnabled:  e.TOTPEnabled,
		Version:      e.Version,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
	if e.Key != nil {
		u.ID = e.Key.Name
	}
	if e.MagicLinkToken != "" {
		u.MagicLink = &ac.MagicLinkToken{Token: e.MagicLinkToken, ExpiresAt: e.MagicLinkExpiresAt}
	}
	for _, rt := range e.RefreshTokens {
		u.RefreshTokens = append(u.RefreshTokens, ac.RefreshTokenEntry{Token: rt.TokenHash, CreatedAt: rt.CreatedAt})
	}
	return u
}

func UserToEntity(u *ac.User, key *datastore.Key) *UserEntity {
	e := &UserEntity{
		Key:          key,
		Email:        ac.NormalizeEmail(u.Email),
		PasswordHash: u.PasswordHash,
		Name:         u.Name,
		GoogleID:     u.GoogleID,
		GitHubID:     u.GitHubID,
		TOTPSecret:   u.TOTPSecret,
		TOTPEnabled:  u.TOTPEnabled,
		Version:      u.Version,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
	if u.MagicLink != nil {
		e.MagicLinkToken = u.MagicLink.Token
		e.MagicLinkExpiresAt = u.MagicLink.ExpiresAt
	}
	for _, rt := range u.RefreshTokens {
		e.RefreshTokens = append(e.RefreshTokens, RefreshTokenEntity{TokenHash: rt.Token, CreatedAt: rt.CreatedAt})
	}
	return e
}
