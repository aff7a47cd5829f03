// Package fs stores users as JSON files on local disk. Suited to tests,
// development and single-process deployments.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ac "github.com/panyam/authcore"
)

// CredentialStore keeps one file per user plus one small index file per
// unique key (email, google id, github id) naming the owning user. All
// writes are serialized by a single lock, which makes create, save and
// upsert atomic within the process.
type CredentialStore struct {
	StoragePath string
	mu          sync.RWMutex
}

// NewCredentialStore creates the directory layout under storagePath.
func NewCredentialStore(storagePath string) (*CredentialStore, error) {
	s := &CredentialStore{StoragePath: storagePath}
	for _, dir := range []string{s.usersDir(), s.indexDir("email"), s.indexDir(string(ac.ProviderGoogle)), s.indexDir(string(ac.ProviderGitHub))} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *CredentialStore) usersDir() string { return filepath.Join(s.StoragePath, "users") }

func (s *CredentialStore) indexDir(kind string) string {
	return filepath.Join(s.StoragePath, "index", kind)
}

// userPath returns the file for a user id. Ids are hashed so arbitrary ids
// cannot escape the directory.
func (s *CredentialStore) userPath(id string) string {
	return filepath.Join(s.usersDir(), hashKey(id)+".json")
}

func (s *CredentialStore) indexPath(kind, value string) string {
	return filepath.Join(s.indexDir(kind), hashKey(value))
}

func hashKey(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

// indexEntries lists the unique keys a user claims.
func indexEntries(u *ac.User) map[string]string {
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
	return s.findByIndex("email", ac.NormalizeEmail(email))
}

func (s *CredentialStore) FindByID(ctx context.Context, id string) (*ac.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readUser(id)
}

func (s *CredentialStore) FindByProviderID(ctx context.Context, provider ac.Provider, providerID string) (*ac.User, error) {
	if providerID == "" {
		return nil, ac.ErrUserNotFound
	}
	return s.findByIndex(string(provider), providerID)
}

func (s *CredentialStore) findByIndex(kind, value string) (*ac.User, error) {
	if value == "" {
		return nil, ac.ErrUserNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.lookup(kind, value)
	if err != nil {
		return nil, err
	}
	return s.readUser(id)
}

func (s *CredentialStore) Create(ctx context.Context, user *ac.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(user)
}

func (s *CredentialStore) create(user *ac.User) error {
	if user.ID == "" {
		return fmt.Errorf("%w: user id is required", ac.ErrInvalidInput)
	}
	user.Email = ac.NormalizeEmail(user.Email)
	if _, err := os.Stat(s.userPath(user.ID)); err == nil {
		return ac.ErrUserExists
	}
	for kind, value := range indexEntries(user) {
		if _, err := s.lookup(kind, value); err == nil {
			return ac.ErrUserExists
		} else if !errors.Is(err, ac.ErrUserNotFound) {
			return err
		}
	}

	now := time.Now().UTC()
	stored := user.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if err := s.writeUser(stored); err != nil {
		return err
	}
	for kind, value := range indexEntries(stored) {
		if err := writeAtomicFile(s.indexPath(kind, value), []byte(stored.ID)); err != nil {
			return err
		}
	}
	user.Version = stored.Version
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

func (s *CredentialStore) Save(ctx context.Context, user *ac.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readUser(user.ID)
	if err != nil {
		return err
	}
	if current.Version != user.Version {
		return ac.ErrVersionConflict
	}
	user.Email = ac.NormalizeEmail(user.Email)

	oldKeys := indexEntries(current)
	newKeys := indexEntries(user)
	for kind, value := range newKeys {
		if oldKeys[kind] == value {
			continue
		}
		if owner, err := s.lookup(kind, value); err == nil && owner != user.ID {
			return ac.ErrUserExists
		} else if err != nil && !errors.Is(err, ac.ErrUserNotFound) {
			return err
		}
	}

	stored := user.Clone()
	stored.Version = current.Version + 1
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	if err := s.writeUser(stored); err != nil {
		return err
	}
	for kind, value := range newKeys {
		if oldKeys[kind] != value {
			if err := writeAtomicFile(s.indexPath(kind, value), []byte(user.ID)); err != nil {
				return err
			}
		}
	}
	for kind, value := range oldKeys {
		if newKeys[kind] != value {
			if err := os.Remove(s.indexPath(kind, value)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	user.Version = stored.Version
	user.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *CredentialStore) UpsertByProvider(ctx context.Context, provider ac.Provider, candidate *ac.User) (*ac.User, bool, error) {
	providerID := candidate.ProviderID(provider)
	if providerID == "" {
		return nil, false, fmt.Errorf("%w: candidate has no %s id", ac.ErrInvalidInput, provider)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, err := s.lookup(string(provider), providerID); err == nil {
		existing, err := s.readUser(id)
		return existing, false, err
	} else if !errors.Is(err, ac.ErrUserNotFound) {
		return nil, false, err
	}
	if err := s.create(candidate); err != nil {
		return nil, false, err
	}
	return candidate.Clone(), true, nil
}

func (s *CredentialStore) ForEachUser(ctx context.Context, fn func(*ac.User) error) error {
	s.mu.RLock()
	entries, err := os.ReadDir(s.usersDir())
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		s.mu.RLock()
		user, err := s.readFile(filepath.Join(s.usersDir(), entry.Name()))
		s.mu.RUnlock()
		if errors.Is(err, ac.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(user); err != nil {
			return err
		}
	}
	return nil
}

func (s *CredentialStore) lookup(kind, value string) (string, error) {
	data, err := os.ReadFile(s.indexPath(kind, value))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ac.ErrUserNotFound
		}
		return "", err
	}
	return string(data), nil
}

func (s *CredentialStore) readUser(id string) (*ac.User, error) {
	if id == "" {
		return nil, ac.ErrUserNotFound
	}
	return s.readFile(s.userPath(id))
}

func (s *CredentialStore) readFile(path string) (*ac.User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ac.ErrUserNotFound
		}
		return nil, err
	}
	var user ac.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &user, nil
}

func (s *CredentialStore) writeUser(u *ac.User) error {
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomicFile(s.userPath(u.ID), data)
}
