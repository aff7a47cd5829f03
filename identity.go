package authcore

import "context"

// Transport says how a request proved its identity.
type Transport string

const (
	TransportSession Transport = "session"
	TransportBearer  Transport = "bearer"
	TransportGRPC    Transport = "grpc"
)

// AuthenticatedIdentity is the single shape every gate hands to downstream
// handlers, whatever the transport. Method is only known for sessions.
type AuthenticatedIdentity struct {
	UserID    string
	Transport Transport
	Method    CredentialKind
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id AuthenticatedIdentity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity placed in ctx by a gate.
func IdentityFrom(ctx context.Context) (AuthenticatedIdentity, bool) {
	id, ok := ctx.Value(identityKey{}).(AuthenticatedIdentity)
	return id, ok && id.UserID != ""
}

// UserIDFrom returns the authenticated user id in ctx, or "".
func UserIDFrom(ctx context.Context) string {
	id, _ := IdentityFrom(ctx)
	return id.UserID
}
