//go:build !wasm
// +build !wasm

package gorm

import (
	"time"

	ac "github.com/panyam/authcore"
)

// UserModel is the GORM model for users. Optional unique columns are
// pointers so that absent values are stored as NULL and never collide.
type UserModel struct {
	ID                 string  `gorm:"primaryKey;size:64"`
	Email              *string `gorm:"size:320;uniqueIndex"`
	PasswordHash       string  `gorm:"size:128"`
	Name               string  `gorm:"size:255"`
	GoogleID           *string `gorm:"column:google_id;size:128;uniqueIndex"`
	GitHubID           *string `gorm:"column:github_id;size:128;uniqueIndex"`
	TOTPSecret         string  `gorm:"column:totp_secret;size:64"`
	TOTPEnabled        bool    `gorm:"column:totp_enabled"`
	MagicLinkToken     *string `gorm:"column:magic_link_token;size:64"`
	MagicLinkExpiresAt *time.Time
	RefreshTokens      []RefreshTokenModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Version            int                 `gorm:"not null;default:1"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (UserModel) TableName() string { return "users" }

// RefreshTokenModel holds one outstanding refresh token digest.
type RefreshTokenModel struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"size:64;index"`
	TokenHash string `gorm:"size:64;index"`
	CreatedAt time.Time
}

func (RefreshTokenModel) TableName() string { return "refresh_tokens" }

// SessionModel is a row of scs session data.
type SessionModel struct {
	Token  string    `gorm:"primaryKey;size:64"`
	Data   []byte    `gorm:"not null"`
	Expiry time.Time `gorm:"index;not null"`
}

func (SessionModel) TableName() string { return "sessions" }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// UserToModel converts a user for storage.
func UserToModel(u *ac.User) *UserModel {
	m := &UserModel{
		ID:           u.ID,
		Email:        nullable(ac.NormalizeEmail(u.Email)),
		PasswordHash: u.PasswordHash,
		Name:         u.Name,
		GoogleID:     nullable(u.GoogleID),
		GitHubID:     nullable(u.GitHubID),
		TOTPSecret:   u.TOTPSecret,
		TOTPEnabled:  u.TOTPEnabled,
		Version:      u.Version,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
	if u.MagicLink != nil {
		m.MagicLinkToken = nullable(u.MagicLink.Token)
		expires := u.MagicLink.ExpiresAt
		m.MagicLinkExpiresAt = &expires
	}
	for _, rt := range u.RefreshTokens {
		m.RefreshTokens = append(m.RefreshTokens, RefreshTokenModel{
			UserID:    u.ID,
			TokenHash: rt.Token,
			CreatedAt: rt.CreatedAt,
		})
	}
	return m
}

// ToUser converts a loaded row back to a user.
func (m *UserModel) ToUser() *ac.User {
	u := &ac.User{
		ID:           m.ID,
		Email:        deref(m.Email),
		PasswordHash: m.PasswordHash,
		Name:         m.Name,
		GoogleID:     deref(m.GoogleID),
		GitHubID:     deref(m.GitHubID),
		TOTPSecret:   m.TOTPSecret,
		TOTPEnabled:  m.TOTPEnabled,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.MagicLinkToken != nil && m.MagicLinkExpiresAt != nil {
		u.MagicLink = &ac.MagicLinkToken{Token: *m.MagicLinkToken, ExpiresAt: *m.MagicLinkExpiresAt}
	}
	for _, rt := range m.RefreshTokens {
		u.RefreshTokens = append(u.RefreshTokens, ac.RefreshTokenEntry{Token: rt.TokenHash, CreatedAt: rt.CreatedAt})
	}
	return u
}
