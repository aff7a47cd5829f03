// Package grpc carries authcore identities across gRPC. Clients attach the
// access token as "authorization: Bearer <token>" metadata and the server
// interceptors resolve it to an authcore.AuthenticatedIdentity.
package grpc

import (
	"context"

	"google.golang.org/grpc/metadata"

	ac "github.com/panyam/authcore"
)

// MetadataKeyAuthorization is the metadata key holding the bearer token.
const MetadataKeyAuthorization = "authorization"

// TokenFromContext returns the bearer token in incoming metadata, or "".
func TokenFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(MetadataKeyAuthorization) {
		if token := ac.BearerToken(v); token != "" {
			return token
		}
	}
	return ""
}

// TokenToOutgoingContext attaches an access token to outgoing metadata.
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, MetadataKeyAuthorization, "Bearer "+token)
}

// UserIDFromContext returns the user id set by the interceptors, or "".
func UserIDFromContext(ctx context.Context) string {
	return ac.UserIDFrom(ctx)
}

// IsAuthenticated reports whether an interceptor resolved an identity.
func IsAuthenticated(ctx context.Context) bool {
	_, ok := ac.IdentityFrom(ctx)
	return ok
}
