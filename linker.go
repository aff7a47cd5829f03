package authcore

import (
	"context"
	"fmt"
)

// Profile is what an identity provider tells us about a user after a
// successful code exchange.
type Profile struct {
	Provider    Provider
	ProviderID  string
	Email       string
	DisplayName string
	Username    string
}

// IdentityLinker maps provider identities onto canonical users.
type IdentityLinker struct {
	store CredentialStore
}

func NewIdentityLinker(store CredentialStore) *IdentityLinker {
	return &IdentityLinker{store: store}
}

// Link returns the user bound to the profile's provider id, creating one on
// first sight. Concurrent first logins for the same provider id resolve to a
// single account. A profile whose email already belongs to a different
// account fails with ErrUserExists; accounts are never merged implicitly.
func (l *IdentityLinker) Link(ctx context.Context, p Profile) (*User, bool, error) {
	if p.Provider != ProviderGoogle && p.Provider != ProviderGitHub {
		return nil, false, fmt.Errorf("%w: %q", ErrUnsupportedCredential, p.Provider)
	}
	if p.ProviderID == "" {
		return nil, false, fmt.Errorf("%w: missing provider id", ErrInvalidInput)
	}
	email := NormalizeEmail(p.Email)
	candidate := &User{
		ID:    NewUserID(),
		Email: email,
		Name:  profileName(p, email),
	}
	candidate.SetProviderID(p.Provider, p.ProviderID)
	return l.store.UpsertByProvider(ctx, p.Provider, candidate)
}

func profileName(p Profile, email string) string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Username != "":
		return p.Username
	case email != "":
		return localPart(email)
	}
	return ""
}
