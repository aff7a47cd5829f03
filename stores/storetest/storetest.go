// Package storetest is a conformance suite for ac.CredentialStore
// implementations.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ac "github.com/panyam/authcore"
)

// Run exercises a fresh store from newStore in every subtest.
func Run(t *testing.T, newStore func(t *testing.T) ac.CredentialStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ac.CredentialStore)
	}{
		{"CreateAndFind", testCreateAndFind},
		{"NotFound", testNotFound},
		{"UniqueKeys", testUniqueKeys},
		{"OptionalEmail", testOptionalEmail},
		{"SaveBumpsVersion", testSaveBumpsVersion},
		{"StaleSave", testStaleSave},
		{"SaveMovesUniqueKeys", testSaveMovesUniqueKeys},
		{"NestedState", testNestedState},
		{"UpsertByProvider", testUpsertByProvider},
		{"ConcurrentUpsert", testConcurrentUpsert},
		{"ForEachUser", testForEachUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newUser(email string) *ac.User {
	return &ac.User{ID: ac.NewUserID(), Email: email, Name: "test", PasswordHash: "hash"}
}

func testCreateAndFind(t *testing.T, s ac.CredentialStore) {
	ctx := context.Background()
	u := newUser("Alice@Example.com")
	u.GoogleID = "g-1"
	require.NoError(t, s.Create(ctx, u))
	assert.Equal(t, 1, u.Version)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.False(t, u.CreatedAt.IsZero())

	byID, err := s.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", byID.Email)
	assert.Equal(t, "hash", byID.PasswordHash)
	assert.Equal(t, 1, byID.Version)

	byEmail, err := s.FindByEmail(ctx, "ALICE@example.com ")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	byProvider, err := s.FindByProviderID(ctx, ac.ProviderGoogle, "g-1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byProvider.ID)
}

func testNotFound(t *testing.T, s ac.CredentialStore) {
	ctx := context.Background()
	_, err := s.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ac.ErrUserNotFound)
	_, err = s.FindByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ac.ErrUserNotFound)
	_, err = s.FindByEmail(ctx, "")
	assert.ErrorIs(t, err, ac.ErrUserNotFound)
	_, err = s.FindByProviderID(ctx, ac.ProviderGitHub, "")
	assert.ErrorIs(t, err, ac.ErrUserNotFound)
	assert.ErrorIs(t, s.Save(ctx, &ac.User{ID: "missing", Version: 1}), ac.ErrUserNotFound)
}

func testUniqueKeys(t *testing.T, s ac.CredentialStore) {
	ctx := context.Background()
	u := newUser("alice@example.com")
	u.GitHubID = "42"
	require.NoError(t, s.Create(ctx, u))

	assert.ErrorIs(t, s.Create(ctx, newUser("ALICE@example.com")), ac.ErrUserExists)

	dup := newUser("other@example.com")
	dup.GitHubID = "42"
	assert.ErrorIs(t, s.Create(ctx, dup), ac.ErrUserExists)

	_, err := s.FindByEmail(ctx, "other@example.com")
	assert.ErrorIs(t, err, ac.ErrUserNotFound, "a rejected create must leave nothing behind")
}

func testOptionalEmail(t *testing.T, s ac.CredentialStore) {
	ctx := context.Background()
	a := &ac.User{ID: ac.NewUserID(), GitHubID: "1"}
	b := &ac.User{ID: ac.NewUserID(), GitHubID: "2"}
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b), "users without an email must not collide")
}

func testSaveBumpsVersion(t *testing.T, s ac.CredentialStore) {
	ctx := context.Background()
	u := newUser("alice@example.com")
	require.NoError(t, s.Create(ctx, u))

	u.Name = "Alice"
	require.NoError(t, s.Save(ctx, u))
	assert.Equal(t, 2, u.Version)

	got, err := s.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, 2, got.Version)
}

func testStaleSave(t *testing.T, s ac.CredentialStore) {
	ctx := context.Background()
	u := newUser("alice@example.com")
	require.NoError(t, s.Create(ctx, u))

	first, err := s.FindByID(ctx, u.ID)
	require.NoError(t, err)
	second, err := s.FindByID(ctx, u.ID)
	require.NoError(t, err)

	first.Name = "first"
	require.NoError(t, s.Save(ctx, first))
	second.Name = "second"
	assert.ErrorIs(t, s.Save(ctx, second), ac.ErrVersionConflict)

	got, err := s.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}

func testSaveMovesUniqueKeys(t *testing.T, s ac.CredentialStore) {
	ctx := context.Background()
	alice := newUser("alice@example.com")
	bob := newUser("bob@example.com")
	require.NoError(t, s.Create(ctx, alice))
	require.NoError(t, s.Create(ctx, bob))

	bob.Email = "alice@example.com"
	assert.ErrorIs(t, s.Save(ctx, bob), ac.ErrUserExists)

	bob, err := s.FindByID(ctx, bob.ID)
	require.NoError(t, err)
	bob.Email = "robert@example.com"
	bob.GoogleID = "g-bob"
	require.NoError(t, s.Save(ctx, bob))

	_, err = s.FindByEmail(ctx, "bob@example.com")
	assert.ErrorIs(t, err, ac.ErrUserNotFound, "old email must be released")
	got, err := s.FindByEmail(ctx, "robert@example.com")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, got.ID)
	got, err = s.FindByProviderID(ctx, ac.ProviderGoogle, "g-bob")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, got.ID)

	require.NoError(t, s.Create(ctx, newUser("bob@example.com")))
}

func testNestedState(t *testing.T, s ac.CredentialStore) {
	ctx := context.Background()
	u := newUser("alice@example.com")
	require.NoError(t, s.Create(ctx, u))

	now := time.Now().UTC().Truncate(time.Second)
	u.TOTPSecret = "JBSWY3DPEHPK3PXP"
	u.TOTPEnabled = true
	u.MagicLink = &ac.MagicLinkToken{Token: ac.TokenDigest("link"), ExpiresAt: now.Add(15 * time.Minute)}
	u.RefreshTokens = []ac.RefreshTokenEntry{
		{Token: ac.TokenDigest("r1"), CreatedAt: now},
		{Token: ac.TokenDigest("r2"), CreatedAt: now.Add(time.Second)},
	}
	require.NoError(t, s.Save(ctx, u))

	got, err := s.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.TOTPEnabled)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", got.TOTPSecret)
	require.NotNil(t, got.MagicLink)
	assert.Equal(t, ac.TokenDigest("link"), got.MagicLink.Token)
	assert.True(t, got.MagicLink.ExpiresAt.Equal(now.Add(15*time.Minute)))
	require.Len(t, got.RefreshTokens, 2)
	assert.Equal(t, ac.TokenDigest("r1"), got.RefreshTokens[0].Token)
	assert.Equal(t, ac.TokenDigest("r2"), got.RefreshTokens[1].Token)

	got.MagicLink = nil
	got.RefreshTokens = got.RefreshTokens[1:]
	require.NoError(t, s.Save(ctx, got))
	got, err = s.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.MagicLink)
	require.Len(t, got.RefreshTokens, 1)
	assert.Equal(t, ac.TokenDigest("r2"), got.RefreshTokens[0].Token)
}

func testUpsertByProvider(t *testing.T, s ac.CredentialStore) {
	ctx := context.Background()
	candidate := &ac.User{ID: ac.NewUserID(), Email: "dev@example.com", GitHubID: "7"}
	first, created, err := s.UpsertByProvider(ctx, ac.ProviderGitHub, candidate)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, candidate.ID, first.ID)

	again, created, err := s.UpsertByProvider(ctx, ac.ProviderGitHub, &ac.User{ID: ac.NewUserID(), GitHubID: "7"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, _, err = s.UpsertByProvider(ctx, ac.ProviderGoogle, &ac.User{ID: ac.NewUserID(), Email: "dev@example.com", GoogleID: "g"})
	assert.ErrorIs(t, err, ac.ErrUserExists, "an email owned by another account is never merged")

	_, _, err = s.UpsertByProvider(ctx, ac.ProviderGoogle, &ac.User{ID: ac.NewUserID()})
	assert.ErrorIs(t, err, ac.ErrInvalidInput)
}

func testConcurrentUpsert(t *testing.T, s ac.CredentialStore) {
	ctx := context.Background()
	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, isNew, err := s.UpsertByProvider(ctx, ac.ProviderGoogle, &ac.User{
				ID: ac.NewUserID(), Email: "race@example.com", GoogleID: "g-race",
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[u.ID] = true
			if isNew {
				created++
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
}

func testForEachUser(t *testing.T, s ac.CredentialStore) {
	ctx := context.Background()
	want := map[string]bool{}
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		u := newUser(email)
		require.NoError(t, s.Create(ctx, u))
		want[u.ID] = true
	}
	seen := map[string]bool{}
	require.NoError(t, s.ForEachUser(ctx, func(u *ac.User) error {
		seen[u.ID] = true
		return nil
	}))
	assert.Equal(t, want, seen)
}
