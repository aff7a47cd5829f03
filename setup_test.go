package authcore_test

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	ac "github.com/panyam/authcore"
	"github.com/panyam/authcore/stores/fs"
)

const (
	testAccessSecret  = "access-secret-access-secret-0123456789"
	testRefreshSecret = "refresh-secret-refresh-secret-0123456789"
	testPassword      = "correct horse"
)

// fakeClock is a settable time source shared by every component.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMail struct {
	To, Subject, Body string
}

// captureMailer records messages instead of sending them.
type captureMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *captureMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *captureMailer) Last(t *testing.T) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no mail sent")
	}
	return m.sent[len(m.sent)-1]
}

// LastLink returns the token and email of the most recent magic link.
func (m *captureMailer) LastLink(t *testing.T) (token, email string) {
	t.Helper()
	body := m.Last(t).Body
	raw := strings.TrimSpace(strings.TrimPrefix(body, "Click: "))
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing link %q: %v", raw, err)
	}
	return u.Query().Get("token"), u.Query().Get("email")
}

type testEnv struct {
	svc   *ac.Service
	store *fs.CredentialStore
	mail  *captureMailer
	clock *fakeClock
}

// newTestEnv builds a Service over a temp-dir file store with a fake clock.
// opts may adjust the config before the service is built.
func newTestEnv(t *testing.T, opts ...func(*ac.ServiceConfig)) *testEnv {
	t.Helper()
	store, err := fs.NewCredentialStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	env := &testEnv{store: store, mail: &captureMailer{}, clock: newFakeClock()}
	cfg := ac.ServiceConfig{
		Tokens: ac.TokenConfig{
			AccessSecret:  testAccessSecret,
			RefreshSecret: testRefreshSecret,
		},
		MagicLink:  ac.MagicLinkConfig{BaseURL: "http://localhost:4000"},
		BcryptCost: bcrypt.MinCost,
		Clock:      env.clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	env.svc, err = ac.NewService(store, env.mail, cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return env
}

func (e *testEnv) register(t *testing.T, email string) *ac.User {
	t.Helper()
	user, err := e.svc.Register(context.Background(), email, testPassword, "")
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return user
}

// enableTOTP enrolls userID and returns the secret.
func (e *testEnv) enableTOTP(t *testing.T, userID string) string {
	t.Helper()
	ctx := context.Background()
	enrollment, err := e.svc.TOTP.Setup(ctx, userID)
	if err != nil {
		t.Fatalf("TOTP.Setup: %v", err)
	}
	if err := e.svc.TOTP.Enable(ctx, userID, e.code(t, enrollment.Secret)); err != nil {
		t.Fatalf("TOTP.Enable: %v", err)
	}
	return enrollment.Secret
}

func (e *testEnv) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := ac.GenerateTOTPCode(secret, e.clock.Now())
	if err != nil {
		t.Fatalf("GenerateTOTPCode: %v", err)
	}
	return code
}

func passwordInput(email, password string) ac.CredentialInput {
	return ac.CredentialInput{Kind: ac.CredentialPassword, Email: email, Password: password}
}
