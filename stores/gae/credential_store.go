//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	ac "github.com/panyam/authcore"
)

// Kind constants for Datastore entities
const (
	KindUser       = "User"
	KindUserUnique = "UserUnique"
)

// CredentialStore implements ac.CredentialStore using Google Cloud Datastore
type CredentialStore struct {
	client    *datastore.Client
	namespace string
}

// NewCredentialStore creates a new Datastore-backed CredentialStore
func NewCredentialStore(client *datastore.Client, namespace string) *CredentialStore {
	return &CredentialStore{client: client, namespace: namespace}
}

func (s *CredentialStore) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *CredentialStore) userKey(id string) *datastore.Key {
	return s.namespacedKey(KindUser, id)
}

func (s *CredentialStore) uniqueKey(kind, value string) *datastore.Key {
	return s.namespacedKey(KindUserUnique, kind+":"+value)
}

// claims lists the unique keys a user holds.
func claims(u *ac.User) map[string]string {
	out := make(map[string]string, 3)
	if u.Email != "" {
		out["email"] = u.Email
	}
	if u.GoogleID != "" {
		out[string(ac.ProviderGoogle)] = u.GoogleID
	}
	if u.GitHubID != "" {
		out[string(ac.ProviderGitHub)] = u.GitHubID
	}
	return out
}

func (s *CredentialStore) FindByEmail(ctx context.Context, email string) (*ac.User, error) {
	return s.findByClaim(ctx, "email", ac.NormalizeEmail(email))
}

func (s *CredentialStore) FindByID(ctx context.Context, id string) (*ac.User, error) {
	if id == "" {
		return nil, ac.ErrUserNotFound
	}
	var entity UserEntity
	if err := s.client.Get(ctx, s.userKey(id), &entity); err != nil {
		if err == datastore.ErrNoSuchEntity {
			return nil, ac.ErrUserNotFound
		}
		return nil, err
	}
	return entity.ToUser(), nil
}

func (s *CredentialStore) FindByProviderID(ctx context.Context, provider ac.Provider, providerID string) (*ac.User, error) {
	return s.findByClaim(ctx, string(provider), providerID)
}

func (s *CredentialStore) findByClaim(ctx context.Context, kind, value string) (*ac.User, error) {
	if value == "" {
		return nil, ac.ErrUserNotFound
	}
	var claim UniqueEntity
	if err := s.client.Get(ctx, s.uniqueKey(kind, value), &claim); err != nil {
		if err == datastore.ErrNoSuchEntity {
			return nil, ac.ErrUserNotFound
		}
		return nil, err
	}
	return s.FindByID(ctx, claim.UserID)
}

// ownerOf returns the user holding a claim inside tx, or "" if unclaimed.
func (s *CredentialStore) ownerOf(tx *datastore.Transaction, kind, value string) (string, error) {
	var claim UniqueEntity
	err := tx.Get(s.uniqueKey(kind, value), &claim)
	if err == datastore.ErrNoSuchEntity {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return claim.UserID, nil
}

func (s *CredentialStore) Create(ctx context.Context, user *ac.User) error {
	var stored *ac.User
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var err error
		stored, err = s.createInTx(tx, user)
		return err
	})
	if err != nil {
		return err
	}
	user.Email = stored.Email
	user.Version = stored.Version
	user.CreatedAt = stored.CreatedAt
	user.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *CredentialStore) createInTx(tx *datastore.Transaction, user *ac.User) (*ac.User, error) {
	if user.ID == "" {
		return nil, fmt.Errorf("%w: user id is required", ac.ErrInvalidInput)
	}
	stored := user.Clone()
	stored.Email = ac.NormalizeEmail(stored.Email)

	var existing UserEntity
	if err := tx.Get(s.userKey(stored.ID), &existing); err == nil {
		return nil, ac.ErrUserExists
	} else if err != datastore.ErrNoSuchEntity {
		return nil, err
	}
	for kind, value := range claims(stored) {
		owner, err := s.ownerOf(tx, kind, value)
		if err != nil {
			return nil, err
		}
		if owner != "" {
			return nil, ac.ErrUserExists
		}
	}

	now := time.Now().UTC()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if _, err := tx.Put(s.userKey(stored.ID), UserToEntity(stored, nil)); err != nil {
		return nil, err
	}
	for kind, value := range claims(stored) {
		if _, err := tx.Put(s.uniqueKey(kind, value), &UniqueEntity{UserID: stored.ID, CreatedAt: now}); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

func (s *CredentialStore) Save(ctx context.Context, user *ac.User) error {
	var stored *ac.User
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity UserEntity
		if err := tx.Get(s.userKey(user.ID), &entity); err != nil {
			if err == datastore.ErrNoSuchEntity {
				return ac.ErrUserNotFound
			}
			return err
		}
		if entity.Version != user.Version {
			return ac.ErrVersionConflict
		}
		current := entity.ToUser()
		stored = user.Clone()
		stored.Email = ac.NormalizeEmail(stored.Email)

		oldClaims := claims(current)
		newClaims := claims(stored)
		for kind, value := range newClaims {
			if oldClaims[kind] == value {
				continue
			}
			owner, err := s.ownerOf(tx, kind, value)
			if err != nil {
				return err
			}
			if owner != "" && owner != user.ID {
				return ac.ErrUserExists
			}
		}

		now := time.Now().UTC()
		stored.Version = entity.Version + 1
		stored.CreatedAt = entity.CreatedAt
		stored.UpdatedAt = now
		if _, err := tx.Put(s.userKey(user.ID), UserToEntity(stored, nil)); err != nil {
			return err
		}
		for kind, value := range newClaims {
			if oldClaims[kind] != value {
				if _, err := tx.Put(s.uniqueKey(kind, value), &UniqueEntity{UserID: user.ID, CreatedAt: now}); err != nil {
					return err
				}
			}
		}
		for kind, value := range oldClaims {
			if newClaims[kind] != value {
				if err := tx.Delete(s.uniqueKey(kind, value)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	user.Email = stored.Email
	user.Version = stored.Version
	user.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *CredentialStore) UpsertByProvider(ctx context.Context, provider ac.Provider, candidate *ac.User) (*ac.User, bool, error) {
	providerID := candidate.ProviderID(provider)
	if providerID == "" {
		return nil, false, fmt.Errorf("%w: candidate has no %s id", ac.ErrInvalidInput, provider)
	}
	var (
		result  *ac.User
		created bool
	)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		owner, err := s.ownerOf(tx, string(provider), providerID)
		if err != nil {
			return err
		}
		if owner != "" {
			var entity UserEntity
			if err := tx.Get(s.userKey(owner), &entity); err != nil {
				if err == datastore.ErrNoSuchEntity {
					return ac.ErrUserNotFound
				}
				return err
			}
			result, created = entity.ToUser(), false
			return nil
		}
		result, err = s.createInTx(tx, candidate)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (s *CredentialStore) ForEachUser(ctx context.Context, fn func(*ac.User) error) error {
	query := datastore.NewQuery(KindUser).Namespace(s.namespace)
	it := s.client.Run(ctx, query)
	for {
		var entity UserEntity
		_, err := it.Next(&entity)
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(entity.ToUser()); err != nil {
			return err
		}
	}
}
