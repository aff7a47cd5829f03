package authcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/panyam/authcore")

// ServiceConfig collects the knobs of NewService.
type ServiceConfig struct {
	Tokens    TokenConfig
	Refresh   RefreshConfig
	Session   SessionConfig
	MagicLink MagicLinkConfig

	BcryptCost        int
	MinPasswordLength int
	TOTPIssuer        string
	TOTPPolicy        TOTPPolicy

	// Metrics may be nil.
	Metrics *Metrics

	// Clock overrides time.Now across every component, for tests.
	Clock func() time.Time
}

// Service wires every component behind the transport-neutral flows that the
// HTTP handlers and gRPC services call.
type Service struct {
	Store      CredentialStore
	Passwords  *PasswordVerifier
	Tokens     *TokenIssuer
	Refresh    *RefreshRegistry
	Sessions   *SessionManager
	TOTP       *TOTPManager
	MagicLinks *MagicLinkManager
	Linker     *IdentityLinker
	Auth       *Authenticator
	Metrics    *Metrics

	totpPolicy        TOTPPolicy
	minPasswordLength int
}

// NewService builds a Service on store, sending mail through mailer.
func NewService(store CredentialStore, mailer Mailer, cfg ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, errors.New("authcore: credential store is required")
	}
	if mailer == nil {
		return nil, errors.New("authcore: mailer is required")
	}
	if cfg.Clock != nil {
		if cfg.Tokens.Clock == nil {
			cfg.Tokens.Clock = cfg.Clock
		}
		if cfg.Refresh.Clock == nil {
			cfg.Refresh.Clock = cfg.Clock
		}
		if cfg.MagicLink.Clock == nil {
			cfg.MagicLink.Clock = cfg.Clock
		}
	}
	tokens, err := NewTokenIssuer(cfg.Tokens)
	if err != nil {
		return nil, err
	}
	switch cfg.TOTPPolicy {
	case "":
		cfg.TOTPPolicy = TOTPPolicyOptional
	case TOTPPolicyOptional, TOTPPolicyRequired:
	default:
		return nil, fmt.Errorf("%w: unknown totp policy %q", ErrInvalidInput, cfg.TOTPPolicy)
	}

	s := &Service{
		Store:             store,
		Passwords:         NewPasswordVerifier(store, cfg.BcryptCost),
		Tokens:            tokens,
		Refresh:           NewRefreshRegistry(store, tokens, cfg.Refresh),
		Sessions:          NewSessionManager(cfg.Session),
		TOTP:              NewTOTPManager(store, cfg.TOTPIssuer, cfg.Clock),
		MagicLinks:        NewMagicLinkManager(store, mailer, cfg.MagicLink),
		Linker:            NewIdentityLinker(store),
		Metrics:           cfg.Metrics,
		totpPolicy:        cfg.TOTPPolicy,
		minPasswordLength: cfg.MinPasswordLength,
	}
	s.Auth = NewAuthenticator(s.Passwords, s.MagicLinks, s.Linker)
	return s, nil
}

// TokenPair is the response of a token login.
type TokenPair struct {
	Access    string
	Refresh   string
	ExpiresIn time.Duration
}

// Register creates a password account.
func (s *Service) Register(ctx context.Context, email, password, name string) (user *User, err error) {
	ctx, span := tracer.Start(ctx, "authcore.Register")
	defer func() { endSpan(span, err) }()

	email = NormalizeEmail(email)
	if err := ValidateRegistration(email, password, s.minPasswordLength); err != nil {
		return nil, err
	}
	hash, err := s.Passwords.HashPassword(password)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = localPart(email)
	}
	user = &User{ID: NewUserID(), Email: email, PasswordHash: hash, Name: name}
	if err := s.Store.Create(ctx, user); err != nil {
		return nil, err
	}
	s.Metrics.registered()
	LoggerFrom(ctx).InfoContext(ctx, "user registered", "user_id", user.ID)
	return user, nil
}

// Login verifies a first-factor credential and, under the required TOTP
// policy, the second factor. An enrolled user who sent no code gets
// ErrTOTPRequired together with the user, so session flows can park a
// pending login.
func (s *Service) Login(ctx context.Context, in CredentialInput, totpCode string) (user *User, err error) {
	ctx, span := tracer.Start(ctx, "authcore.Login",
		trace.WithAttributes(attribute.String("credential.kind", string(in.Kind))))
	defer func() {
		s.Metrics.loginAttempt(in.Kind, err)
		endSpan(span, err)
	}()

	user, err = s.Auth.Authenticate(ctx, in)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", user.ID))
	if err := s.CheckSecondFactor(user, totpCode); err != nil {
		return user, err
	}
	return user, nil
}

// CheckSecondFactor applies the TOTP login policy to an authenticated user.
func (s *Service) CheckSecondFactor(user *User, code string) error {
	if s.totpPolicy != TOTPPolicyRequired || TOTPStateOf(user) != TOTPEnabled {
		return nil
	}
	if code == "" {
		return ErrTOTPRequired
	}
	if !s.TOTP.Check(user.TOTPSecret, code) {
		return ErrInvalidCode
	}
	return nil
}

// IssueTokens mints an access token and a registered refresh token.
func (s *Service) IssueTokens(ctx context.Context, userID string) (pair *TokenPair, err error) {
	ctx, span := tracer.Start(ctx, "authcore.IssueTokens")
	defer func() { endSpan(span, err) }()

	access, err := s.Tokens.IssueAccess(userID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.Refresh.Issue(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.Metrics.tokenIssued(TokenTypeAccess)
	s.Metrics.tokenIssued(TokenTypeRefresh)
	return &TokenPair{Access: access, Refresh: refresh, ExpiresIn: s.Tokens.AccessTTL()}, nil
}

// RefreshAccess trades a refresh token for a new access token.
func (s *Service) RefreshAccess(ctx context.Context, refresh string) (res *RefreshResult, err error) {
	ctx, span := tracer.Start(ctx, "authcore.Refresh")
	defer func() {
		s.Metrics.refreshAttempt(err)
		endSpan(span, err)
	}()

	res, err = s.Refresh.Refresh(ctx, refresh)
	if err != nil {
		return nil, err
	}
	s.Metrics.tokenIssued(TokenTypeAccess)
	if res.Refresh != "" {
		s.Metrics.tokenIssued(TokenTypeRefresh)
	}
	return res, nil
}

// RevokeRefresh revokes a refresh token presented at logout.
func (s *Service) RevokeRefresh(ctx context.Context, refresh string) (err error) {
	ctx, span := tracer.Start(ctx, "authcore.RevokeRefresh")
	defer func() { endSpan(span, err) }()

	userID, err := s.Refresh.RevokeToken(ctx, refresh)
	if err != nil {
		return err
	}
	LoggerFrom(ctx).InfoContext(ctx, "refresh token revoked", "user_id", userID)
	return nil
}

// LogoutEverywhere revokes every refresh token of userID.
func (s *Service) LogoutEverywhere(ctx context.Context, userID string) error {
	if err := s.Refresh.RevokeAll(ctx, userID); err != nil {
		return err
	}
	LoggerFrom(ctx).InfoContext(ctx, "all refresh tokens revoked", "user_id", userID)
	return nil
}

// RequestMagicLink mails a login link to email.
func (s *Service) RequestMagicLink(ctx context.Context, email string) (err error) {
	ctx, span := tracer.Start(ctx, "authcore.RequestMagicLink")
	defer func() {
		s.Metrics.magicLink("request", err)
		endSpan(span, err)
	}()
	return s.MagicLinks.Request(ctx, email)
}

// SweepRefreshTokens drops expired refresh tokens for all users.
func (s *Service) SweepRefreshTokens(ctx context.Context) (int, error) {
	n, err := s.Refresh.Sweep(ctx)
	s.Metrics.swept(n)
	if err != nil {
		return n, err
	}
	if n > 0 {
		LoggerFrom(ctx).InfoContext(ctx, "swept expired refresh tokens", "count", n)
	}
	return n, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx = WithLogger(ctx, logger)
	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepRefreshTokens(ctx); err != nil {
				logger.ErrorContext(ctx, "refresh token sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
