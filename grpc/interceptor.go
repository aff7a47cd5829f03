package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	ac "github.com/panyam/authcore"
)

// TokenVerifier checks access tokens. *authcore.TokenIssuer satisfies it.
type TokenVerifier interface {
	VerifyAccess(token string) (*ac.Claims, error)
}

// InterceptorConfig decides which RPCs need a caller.
type InterceptorConfig struct {
	Verifier TokenVerifier

	// RequireAuth rejects anonymous calls to non-public methods.
	// When false, requests proceed but carry no identity.
	RequireAuth bool

	// PublicMethods are full method names callable without a token.
	PublicMethods map[string]bool
}

// NewInterceptorConfig returns a config that requires auth for all methods
// except publicMethods.
func NewInterceptorConfig(verifier TokenVerifier, publicMethods ...string) *InterceptorConfig {
	config := &InterceptorConfig{
		Verifier:      verifier,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig attaches identities when tokens are present but lets
// anonymous calls through.
func OptionalAuthConfig(verifier TokenVerifier) *InterceptorConfig {
	return &InterceptorConfig{
		Verifier:      verifier,
		PublicMethods: make(map[string]bool),
	}
}

// UnaryAuthInterceptor resolves the bearer token on each call.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticate(ctx, config, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor resolves the bearer token when a stream opens.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), config, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &identityStream{ServerStream: ss, ctx: ctx})
	}
}

// authenticate returns ctx with the caller's identity attached. A present
// but invalid token is rejected even on public methods.
func authenticate(ctx context.Context, config *InterceptorConfig, method string) (context.Context, error) {
	required := config.RequireAuth && !config.PublicMethods[method]
	token := TokenFromContext(ctx)
	if token == "" {
		if required {
			return ctx, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}
	claims, err := config.Verifier.VerifyAccess(token)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, "invalid token")
	}
	return ac.WithIdentity(ctx, ac.AuthenticatedIdentity{
		UserID:    claims.Subject,
		Transport: ac.TransportGRPC,
	}), nil
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context { return s.ctx }
