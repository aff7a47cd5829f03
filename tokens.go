package authcore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Default token lifetimes
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// MinSecretLength is the shortest accepted HMAC signing secret, in bytes.
const MinSecretLength = 32

// GenerateSecureToken returns n cryptographically random bytes, hex encoded.
func GenerateSecureToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Claims carried by every issued token. Only the subject identifies the
// user; no profile data is embedded.
type Claims struct {
	Type TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// TokenConfig configures a TokenIssuer.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration // Defaults to 15 minutes
	RefreshTTL    time.Duration // Defaults to 7 days
	Issuer        string        // Optional "iss" claim, checked on verify when set

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// TokenIssuer mints and verifies HS256 access and refresh tokens. The two
// token types are signed with distinct secrets.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// NewTokenIssuer validates cfg and returns an issuer.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.AccessSecret) < MinSecretLength || len(cfg.RefreshSecret) < MinSecretLength {
		return nil, fmt.Errorf("%w: token secrets must be at least %d bytes", ErrInvalidInput, MinSecretLength)
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, fmt.Errorf("%w: access and refresh secrets must differ", ErrInvalidInput)
	}
	t := &TokenIssuer{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		now:           cfg.Clock,
	}
	if t.accessTTL <= 0 {
		t.accessTTL = DefaultAccessTokenTTL
	}
	if t.refreshTTL <= 0 {
		t.refreshTTL = DefaultRefreshTokenTTL
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t, nil
}

// AccessTTL is the lifetime of issued access tokens.
func (t *TokenIssuer) AccessTTL() time.Duration { return t.accessTTL }

// RefreshTTL is the lifetime of issued refresh tokens.
func (t *TokenIssuer) RefreshTTL() time.Duration { return t.refreshTTL }

// IssueAccess mints a short-lived access token for userID.
func (t *TokenIssuer) IssueAccess(userID string) (string, error) {
	return t.sign(userID, TokenTypeAccess, t.accessTTL, t.accessSecret)
}

// IssueRefresh mints a long-lived refresh token for userID. Callers must
// register it with a RefreshRegistry for it to be accepted.
func (t *TokenIssuer) IssueRefresh(userID string) (string, error) {
	return t.sign(userID, TokenTypeRefresh, t.refreshTTL, t.refreshSecret)
}

// VerifyAccess checks signature, expiry and type of an access token.
func (t *TokenIssuer) VerifyAccess(token string) (*Claims, error) {
	return t.verify(token, TokenTypeAccess, t.accessSecret)
}

// VerifyRefresh checks signature, expiry and type of a refresh token. It
// says nothing about whether the token is still registered.
func (t *TokenIssuer) VerifyRefresh(token string) (*Claims, error) {
	return t.verify(token, TokenTypeRefresh, t.refreshSecret)
}

func (t *TokenIssuer) sign(userID string, typ TokenType, ttl time.Duration, secret []byte) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidInput)
	}
	jti, err := GenerateSecureToken(16)
	if err != nil {
		return "", err
	}
	now := t.now()
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (t *TokenIssuer) verify(token string, typ TokenType, secret []byte) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Type != typ || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
