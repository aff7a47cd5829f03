package authcore

import (
	"context"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
)

const (
	sessionUserKey          = "authcore.user_id"
	sessionMethodKey        = "authcore.method"
	sessionPendingUserKey   = "authcore.pending_user_id"
	sessionPendingMethodKey = "authcore.pending_method"
)

// SessionConfig configures the cookie session.
type SessionConfig struct {
	CookieName  string        // Defaults to "authcore_session"
	Lifetime    time.Duration // Defaults to 24 hours
	IdleTimeout time.Duration
	Domain      string

	// Secure marks the cookie HTTPS-only. Set it whenever the public URL
	// is https.
	Secure bool

	// Store persists session data. Defaults to the scs in-memory store.
	Store scs.Store
}

// SessionManager binds authenticated users to a cookie session.
type SessionManager struct {
	scs *scs.SessionManager
}

// NewSessionManager returns a session manager with HttpOnly, SameSite=Lax
// cookies.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	sm := scs.New()
	sm.Lifetime = 24 * time.Hour
	if cfg.Lifetime > 0 {
		sm.Lifetime = cfg.Lifetime
	}
	if cfg.IdleTimeout > 0 {
		sm.IdleTimeout = cfg.IdleTimeout
	}
	sm.Cookie.Name = "authcore_session"
	if cfg.CookieName != "" {
		sm.Cookie.Name = cfg.CookieName
	}
	sm.Cookie.Domain = cfg.Domain
	sm.Cookie.Path = "/"
	sm.Cookie.HttpOnly = true
	sm.Cookie.SameSite = http.SameSiteLaxMode
	sm.Cookie.Secure = cfg.Secure
	if cfg.Store != nil {
		sm.Store = cfg.Store
	}
	return &SessionManager{scs: sm}
}

// LoadAndSave must wrap every handler that reads or writes the session.
func (s *SessionManager) LoadAndSave(next http.Handler) http.Handler {
	return s.scs.LoadAndSave(next)
}

// Establish logs userID into the current session. The session token is
// renewed first so a token planted before login is never promoted.
func (s *SessionManager) Establish(ctx context.Context, userID string, method CredentialKind) error {
	if err := s.scs.RenewToken(ctx); err != nil {
		return err
	}
	s.scs.Remove(ctx, sessionPendingUserKey)
	s.scs.Remove(ctx, sessionPendingMethodKey)
	s.scs.Put(ctx, sessionUserKey, userID)
	s.scs.Put(ctx, sessionMethodKey, string(method))
	return nil
}

// Destroy ends the current session.
func (s *SessionManager) Destroy(ctx context.Context) error {
	return s.scs.Destroy(ctx)
}

// UserID returns the logged in user, or "" for anonymous sessions.
func (s *SessionManager) UserID(ctx context.Context) string {
	return s.scs.GetString(ctx, sessionUserKey)
}

// Method returns how the current session was established.
func (s *SessionManager) Method(ctx context.Context) CredentialKind {
	return CredentialKind(s.scs.GetString(ctx, sessionMethodKey))
}

// SetPending records a user who passed the first factor but still owes a
// TOTP code. The session is not authenticated until Establish.
func (s *SessionManager) SetPending(ctx context.Context, userID string, method CredentialKind) error {
	if err := s.scs.RenewToken(ctx); err != nil {
		return err
	}
	s.scs.Put(ctx, sessionPendingUserKey, userID)
	s.scs.Put(ctx, sessionPendingMethodKey, string(method))
	return nil
}

// Pending returns the user awaiting a second factor, if any.
func (s *SessionManager) Pending(ctx context.Context) (string, CredentialKind) {
	return s.scs.GetString(ctx, sessionPendingUserKey), CredentialKind(s.scs.GetString(ctx, sessionPendingMethodKey))
}

// Manager exposes the underlying scs manager.
func (s *SessionManager) Manager() *scs.SessionManager { return s.scs }
