package authcore

import (
	"context"
	"fmt"
)

// CredentialKind is the closed set of ways a user can prove who they are.
type CredentialKind string

const (
	CredentialPassword  CredentialKind = "password"
	CredentialGoogle    CredentialKind = "google"
	CredentialGitHub    CredentialKind = "github"
	CredentialMagicLink CredentialKind = "magic_link"
)

// CredentialKindFor returns the credential kind of a provider login.
func CredentialKindFor(p Provider) CredentialKind {
	switch p {
	case ProviderGoogle:
		return CredentialGoogle
	case ProviderGitHub:
		return CredentialGitHub
	}
	return ""
}

// CredentialInput carries what the client presented. Which fields are read
// depends on Kind: Email+Password for password, Email+Token for magic links,
// Profile for provider logins.
type CredentialInput struct {
	Kind     CredentialKind
	Email    string
	Password string
	Token    string
	Profile  *Profile
}

// CredentialVerifier resolves one credential kind to a user.
type CredentialVerifier interface {
	Verify(ctx context.Context, in CredentialInput) (*User, error)
}

// CredentialVerifierFunc adapts a function to CredentialVerifier.
type CredentialVerifierFunc func(ctx context.Context, in CredentialInput) (*User, error)

func (f CredentialVerifierFunc) Verify(ctx context.Context, in CredentialInput) (*User, error) {
	return f(ctx, in)
}

// Authenticator dispatches credentials to the verifier registered for their
// kind. Kinds without a verifier are rejected.
type Authenticator struct {
	verifiers map[CredentialKind]CredentialVerifier
}

// NewAuthenticator wires the built in verifiers.
func NewAuthenticator(passwords *PasswordVerifier, links *MagicLinkManager, linker *IdentityLinker) *Authenticator {
	return &Authenticator{verifiers: map[CredentialKind]CredentialVerifier{
		CredentialPassword: CredentialVerifierFunc(func(ctx context.Context, in CredentialInput) (*User, error) {
			return passwords.VerifyPassword(ctx, in.Email, in.Password)
		}),
		CredentialMagicLink: CredentialVerifierFunc(func(ctx context.Context, in CredentialInput) (*User, error) {
			return links.Verify(ctx, in.Email, in.Token)
		}),
		CredentialGoogle: providerVerifier(ProviderGoogle, linker),
		CredentialGitHub: providerVerifier(ProviderGitHub, linker),
	}}
}

// Authenticate verifies in and returns the user it identifies.
func (a *Authenticator) Authenticate(ctx context.Context, in CredentialInput) (*User, error) {
	v, ok := a.verifiers[in.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCredential, in.Kind)
	}
	return v.Verify(ctx, in)
}

func providerVerifier(p Provider, linker *IdentityLinker) CredentialVerifier {
	return CredentialVerifierFunc(func(ctx context.Context, in CredentialInput) (*User, error) {
		if in.Profile == nil || in.Profile.Provider != p {
			return nil, ErrInvalidCredential
		}
		user, _, err := linker.Link(ctx, *in.Profile)
		return user, err
	})
}
