package authcore_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	ac "github.com/panyam/authcore"
)

func TestLinkCreatesThenReuses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	profile := ac.Profile{Provider: ac.ProviderGoogle, ProviderID: "g-123", Email: "Alice@Example.com", DisplayName: "Alice"}

	first, created, err := env.svc.Linker.Link(ctx, profile)
	if err != nil || !created {
		t.Fatalf("first Link = %v, %v", created, err)
	}
	if first.Email != "alice@example.com" || first.Name != "Alice" || first.GoogleID != "g-123" {
		t.Errorf("unexpected user %+v", first)
	}
	if first.HasPassword() {
		t.Error("provider accounts start without a password")
	}

	again, created, err := env.svc.Linker.Link(ctx, profile)
	if err != nil || created {
		t.Fatalf("second Link = %v, %v", created, err)
	}
	if again.ID != first.ID {
		t.Error("same provider id should resolve to the same user")
	}
}

func TestLinkProfileNameFallback(t *testing.T) {
	tests := []struct {
		name    string
		profile ac.Profile
		want    string
	}{
		{"display name", ac.Profile{DisplayName: "Alice A", Username: "alicea", Email: "a@example.com"}, "Alice A"},
		{"username", ac.Profile{Username: "alicea", Email: "a@example.com"}, "alicea"},
		{"email", ac.Profile{Email: "alice@example.com"}, "alice"},
		{"nothing", ac.Profile{}, ""},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.profile.Provider = ac.ProviderGitHub
			tt.profile.ProviderID = string(rune('1' + i))
			user, _, err := env.svc.Linker.Link(context.Background(), tt.profile)
			if err != nil {
				t.Fatal(err)
			}
			if user.Name != tt.want {
				t.Errorf("Name = %q, want %q", user.Name, tt.want)
			}
		})
	}
}

func TestLinkEmailOwnedByOtherAccount(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com")

	_, _, err := env.svc.Linker.Link(context.Background(), ac.Profile{
		Provider: ac.ProviderGitHub, ProviderID: "42", Email: "alice@example.com",
	})
	if !errors.Is(err, ac.ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestLinkRejectsBadProfiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, _, err := env.svc.Linker.Link(ctx, ac.Profile{Provider: "facebook", ProviderID: "1"}); !errors.Is(err, ac.ErrUnsupportedCredential) {
		t.Errorf("unknown provider: got %v", err)
	}
	if _, _, err := env.svc.Linker.Link(ctx, ac.Profile{Provider: ac.ProviderGoogle}); !errors.Is(err, ac.ErrInvalidInput) {
		t.Errorf("missing id: got %v", err)
	}
}

func TestLinkConcurrentFirstLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	profile := ac.Profile{Provider: ac.ProviderGitHub, ProviderID: "777", Email: "dev@example.com", Username: "dev"}

	const n = 16
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
			user, isNew, err := env.svc.Linker.Link(ctx, profile)
			if err != nil {
				t.Errorf("Link: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[user.ID] = true
			if isNew {
				created++
			}
		}()
	}
	wg.Wait()

	if len(ids) != 1 || created != 1 {
		t.Errorf("expected one account created once, got ids=%v created=%d", ids, created)
	}
}

func TestProviderCredentialDispatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	profile := &ac.Profile{Provider: ac.ProviderGoogle, ProviderID: "g-1", Email: "g@example.com"}

	user, err := env.svc.Login(ctx, ac.CredentialInput{Kind: ac.CredentialGoogle, Profile: profile}, "")
	if err != nil {
		t.Fatalf("google login: %v", err)
	}
	if user.GoogleID != "g-1" {
		t.Errorf("unexpected user %+v", user)
	}
	// A google profile presented as a github credential is refused.
	if _, err := env.svc.Login(ctx, ac.CredentialInput{Kind: ac.CredentialGitHub, Profile: profile}, ""); !errors.Is(err, ac.ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential, got %v", err)
	}
}

// racingStore bumps the stored version right before the first few saves, as
// if another writer got there first.
type racingStore struct {
	ac.CredentialStore
	mu        sync.Mutex
	conflicts int
	saves     int
}

func (s *racingStore) Save(ctx context.Context, u *ac.User) error {
	s.mu.Lock()
	s.saves++
	interfere := s.conflicts > 0
	if interfere {
		s.conflicts--
	}
	s.mu.Unlock()
	if interfere {
		other, err := s.CredentialStore.FindByID(ctx, u.ID)
		if err != nil {
			return err
		}
		if err := s.CredentialStore.Save(ctx, other); err != nil {
			return err
		}
	}
	return s.CredentialStore.Save(ctx, u)
}

func TestUpdateRetriesOnVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "alice@example.com")

	racing := &racingStore{CredentialStore: env.store, conflicts: 2}
	totp := ac.NewTOTPManager(racing, "test", env.clock.Now)
	if _, err := totp.Setup(ctx, user.ID); err != nil {
		t.Fatalf("Setup should survive two conflicts: %v", err)
	}
	if racing.saves != 3 {
		t.Errorf("saves = %d, want 3", racing.saves)
	}
	stored, _ := env.store.FindByID(ctx, user.ID)
	if ac.TOTPStateOf(stored) != ac.TOTPSetupPending {
		t.Error("the final attempt should have been written")
	}
}

func TestUpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "alice@example.com")

	racing := &racingStore{CredentialStore: env.store, conflicts: 100}
	totp := ac.NewTOTPManager(racing, "test", env.clock.Now)
	if _, err := totp.Setup(context.Background(), user.ID); !errors.Is(err, ac.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestStoreRejectsStaleSave(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "alice@example.com")

	a, _ := env.store.FindByID(ctx, user.ID)
	b, _ := env.store.FindByID(ctx, user.ID)
	a.Name = "first"
	if err := env.store.Save(ctx, a); err != nil {
		t.Fatal(err)
	}
	b.Name = "second"
	if err := env.store.Save(ctx, b); !errors.Is(err, ac.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}
