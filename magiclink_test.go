package authcore_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	ac "github.com/panyam/authcore"
)

func magicInput(email, token string) ac.CredentialInput {
	return ac.CredentialInput{Kind: ac.CredentialMagicLink, Email: email, Token: token}
}

func TestMagicLinkRequestCreatesAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.svc.RequestMagicLink(ctx, "New.User@Example.com"); err != nil {
		t.Fatalf("RequestMagicLink: %v", err)
	}
	mail := env.mail.Last(t)
	if mail.To != "new.user@example.com" {
		t.Errorf("mail sent to %q", mail.To)
	}
	if mail.Subject != "Your magic link" {
		t.Errorf("subject = %q", mail.Subject)
	}
	if !strings.HasPrefix(mail.Body, "Click: http://localhost:4000"+ac.MagicLinkVerifyPath+"?") {
		t.Errorf("unexpected body %q", mail.Body)
	}

	user, err := env.store.FindByEmail(ctx, "new.user@example.com")
	if err != nil {
		t.Fatalf("account not created: %v", err)
	}
	if user.Name != "new.user" || user.HasPassword() {
		t.Errorf("unexpected account %+v", user)
	}
	token, _ := env.mail.LastLink(t)
	if user.MagicLink == nil || user.MagicLink.Token == token {
		t.Error("link token must be stored as a digest")
	}
}

func TestMagicLinkRequestInvalidEmail(t *testing.T) {
	env := newTestEnv(t)
	if err := env.svc.RequestMagicLink(context.Background(), "nope"); !errors.Is(err, ac.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMagicLinkMailFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mail.err = errors.New("smtp down")
	if err := env.svc.RequestMagicLink(context.Background(), "a@example.com"); err == nil {
		t.Error("expected mailer error to surface")
	}
}

func TestMagicLinkVerify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	existing := env.register(t, "alice@example.com")

	if err := env.svc.RequestMagicLink(ctx, "alice@example.com"); err != nil {
		t.Fatal(err)
	}
	token, email := env.mail.LastLink(t)

	if _, err := env.svc.Login(ctx, magicInput(email, "not-the-token"), ""); !errors.Is(err, ac.ErrInvalidLink) {
		t.Errorf("wrong token: expected ErrInvalidLink, got %v", err)
	}
	if _, err := env.svc.Login(ctx, magicInput("bob@example.com", token), ""); !errors.Is(err, ac.ErrInvalidLink) {
		t.Errorf("wrong email: expected ErrInvalidLink, got %v", err)
	}

	user, err := env.svc.Login(ctx, magicInput(email, token), "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if user.ID != existing.ID {
		t.Error("link should log into the existing account")
	}
	if _, err := env.svc.Login(ctx, magicInput(email, token), ""); !errors.Is(err, ac.ErrInvalidLink) {
		t.Errorf("second use: expected ErrInvalidLink, got %v", err)
	}
}

func TestMagicLinkExpiry(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		wantErr error
	}{
		{"within ttl", 14 * time.Minute, nil},
		{"past ttl", 16 * time.Minute, ac.ErrExpiredLink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			if err := env.svc.RequestMagicLink(ctx, "alice@example.com"); err != nil {
				t.Fatal(err)
			}
			token, email := env.mail.LastLink(t)
			env.clock.Advance(tt.elapsed)

			_, err := env.svc.Login(ctx, magicInput(email, token), "")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMagicLinkNewRequestReplacesOld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.RequestMagicLink(ctx, "alice@example.com")
	first, email := env.mail.LastLink(t)
	env.svc.RequestMagicLink(ctx, "alice@example.com")
	second, _ := env.mail.LastLink(t)

	if _, err := env.svc.Login(ctx, magicInput(email, first), ""); !errors.Is(err, ac.ErrInvalidLink) {
		t.Errorf("superseded link: expected ErrInvalidLink, got %v", err)
	}
	if _, err := env.svc.Login(ctx, magicInput(email, second), ""); err != nil {
		t.Errorf("latest link: %v", err)
	}
}
