package authcore_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image/png"
	"strings"
	"testing"
	"time"

	ac "github.com/panyam/authcore"
)

func TestTOTPEnrollment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "alice@example.com")

	if ok, err := env.svc.TOTP.Verify(ctx, user.ID, "123456"); err != nil || ok {
		t.Errorf("Verify before setup = %v, %v", ok, err)
	}
	if err := env.svc.TOTP.Enable(ctx, user.ID, "123456"); !errors.Is(err, ac.ErrTOTPNotSetup) {
		t.Errorf("Enable before setup: expected ErrTOTPNotSetup, got %v", err)
	}

	enrollment, err := env.svc.TOTP.Setup(ctx, user.ID)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !strings.HasPrefix(enrollment.ProvisioningURI, "otpauth://totp/") {
		t.Errorf("unexpected URI %q", enrollment.ProvisioningURI)
	}
	if !strings.Contains(enrollment.ProvisioningURI, "alice@example.com") {
		t.Errorf("URI should name the account: %q", enrollment.ProvisioningURI)
	}
	data, ok := strings.CutPrefix(enrollment.QRCode, "data:image/png;base64,")
	if !ok {
		t.Fatalf("QR code is not a PNG data URL: %.40q", enrollment.QRCode)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		t.Fatalf("QR code payload: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("QR code image: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != 200 {
		t.Errorf("QR code is %dx%d", b.Dx(), b.Dy())
	}
	stored, _ := env.store.FindByID(ctx, user.ID)
	if ac.TOTPStateOf(stored) != ac.TOTPSetupPending {
		t.Errorf("state = %v, want setup_pending", ac.TOTPStateOf(stored))
	}

	code := env.code(t, enrollment.Secret)
	// Verify never succeeds before enable, even with the right code.
	if ok, _ := env.svc.TOTP.Verify(ctx, user.ID, code); ok {
		t.Error("Verify should fail while setup is pending")
	}
	if err := env.svc.TOTP.Enable(ctx, user.ID, "000000"); !errors.Is(err, ac.ErrInvalidCode) {
		t.Errorf("Enable with arbitrary code: expected ErrInvalidCode, got %v", err)
	}
	if err := env.svc.TOTP.Enable(ctx, user.ID, code); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	stored, _ = env.store.FindByID(ctx, user.ID)
	if ac.TOTPStateOf(stored) != ac.TOTPEnabled {
		t.Errorf("state = %v, want enabled", ac.TOTPStateOf(stored))
	}
	if ok, _ := env.svc.TOTP.Verify(ctx, user.ID, code); !ok {
		t.Error("Verify should accept the current code")
	}
}

func TestTOTPClockSkew(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "alice@example.com")
	secret := env.enableTOTP(t, user.ID)

	previous, _ := ac.GenerateTOTPCode(secret, env.clock.Now().Add(-30*time.Second))
	if ok, _ := env.svc.TOTP.Verify(ctx, user.ID, previous); !ok {
		t.Error("one step of drift should be accepted")
	}
	stale, _ := ac.GenerateTOTPCode(secret, env.clock.Now().Add(-5*time.Minute))
	if ok, _ := env.svc.TOTP.Verify(ctx, user.ID, stale); ok {
		t.Error("a code from five minutes ago should be rejected")
	}
}

func TestTOTPDisable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "alice@example.com")
	secret := env.enableTOTP(t, user.ID)

	if err := env.svc.TOTP.Disable(ctx, user.ID, "000000"); !errors.Is(err, ac.ErrInvalidCode) {
		t.Errorf("Disable with bad code: expected ErrInvalidCode, got %v", err)
	}
	if err := env.svc.TOTP.Disable(ctx, user.ID, env.code(t, secret)); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	stored, _ := env.store.FindByID(ctx, user.ID)
	if ac.TOTPStateOf(stored) != ac.TOTPNotSetup || stored.TOTPSecret != "" {
		t.Errorf("TOTP should be cleared, got %+v", stored)
	}
	if err := env.svc.TOTP.Disable(ctx, user.ID, env.code(t, secret)); !errors.Is(err, ac.ErrTOTPNotSetup) {
		t.Errorf("second Disable: expected ErrTOTPNotSetup, got %v", err)
	}
}

func TestTOTPSetupReplacesSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "alice@example.com")
	old := env.enableTOTP(t, user.ID)

	fresh, err := env.svc.TOTP.Setup(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Secret == old {
		t.Error("Setup should generate a new secret")
	}
	stored, _ := env.store.FindByID(ctx, user.ID)
	if ac.TOTPStateOf(stored) != ac.TOTPSetupPending {
		t.Errorf("re-setup should disable until confirmed, got %v", ac.TOTPStateOf(stored))
	}
}
