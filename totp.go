package authcore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPState is the second-factor enrollment state of a user.
type TOTPState int

const (
	TOTPNotSetup TOTPState = iota
	TOTPSetupPending
	TOTPEnabled
)

func (s TOTPState) String() string {
	switch s {
	case TOTPSetupPending:
		return "setup_pending"
	case TOTPEnabled:
		return "enabled"
	}
	return "not_setup"
}

// TOTPStateOf derives the enrollment state from a user record.
func TOTPStateOf(u *User) TOTPState {
	switch {
	case u.TOTPSecret == "":
		return TOTPNotSetup
	case u.TOTPEnabled:
		return TOTPEnabled
	}
	return TOTPSetupPending
}

// TOTPPolicy decides whether enrolled users must present a code at login.
type TOTPPolicy string

const (
	TOTPPolicyOptional TOTPPolicy = "optional"
	TOTPPolicyRequired TOTPPolicy = "required"
)

// TOTPEnrollment is returned by Setup for display to the user.
type TOTPEnrollment struct {
	Secret          string
	ProvisioningURI string
	// QRCode is the provisioning URI as a PNG data URL.
	QRCode string
}

const qrCodeSize = 200

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("rendering totp qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encoding totp qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Codes are 6 digits, SHA1, 30 second steps, accepting one step of drift
// either way.
var totpValidateOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPManager drives TOTP enrollment and verification.
type TOTPManager struct {
	store  CredentialStore
	issuer string
	now    func() time.Time
}

// NewTOTPManager returns a manager labelling secrets with issuer.
func NewTOTPManager(store CredentialStore, issuer string, clock func() time.Time) *TOTPManager {
	if issuer == "" {
		issuer = "authcore"
	}
	if clock == nil {
		clock = time.Now
	}
	return &TOTPManager{store: store, issuer: issuer, now: clock}
}

// Setup generates a fresh secret for userID, replacing any previous one and
// leaving TOTP disabled until Enable.
func (m *TOTPManager) Setup(ctx context.Context, userID string) (*TOTPEnrollment, error) {
	var enrollment *TOTPEnrollment
	_, err := updateUser(ctx, m.store, userID, func(u *User) error {
		account := u.Email
		if account == "" {
			account = u.ID
		}
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      m.issuer,
			AccountName: account,
			Period:      totpValidateOpts.Period,
			SecretSize:  20,
			Digits:      totpValidateOpts.Digits,
			Algorithm:   totpValidateOpts.Algorithm,
		})
		if err != nil {
			return fmt.Errorf("generating totp secret: %w", err)
		}
		qr, err := qrDataURL(key)
		if err != nil {
			return err
		}
		u.TOTPSecret = key.Secret()
		u.TOTPEnabled = false
		enrollment = &TOTPEnrollment{Secret: key.Secret(), ProvisioningURI: key.URL(), QRCode: qr}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return enrollment, nil
}

// Enable turns TOTP on once the user proves possession of the secret.
func (m *TOTPManager) Enable(ctx context.Context, userID, code string) error {
	_, err := updateUser(ctx, m.store, userID, func(u *User) error {
		if u.TOTPSecret == "" {
			return ErrTOTPNotSetup
		}
		if !m.Check(u.TOTPSecret, code) {
			return ErrInvalidCode
		}
		if u.TOTPEnabled {
			return errNoChange
		}
		u.TOTPEnabled = true
		return nil
	})
	return err
}

// Verify checks code for a user with TOTP enabled. Users without TOTP
// enabled never verify.
func (m *TOTPManager) Verify(ctx context.Context, userID, code string) (bool, error) {
	u, err := m.store.FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if TOTPStateOf(u) != TOTPEnabled {
		return false, nil
	}
	return m.Check(u.TOTPSecret, code), nil
}

// Disable removes the second factor. A valid current code is required.
func (m *TOTPManager) Disable(ctx context.Context, userID, code string) error {
	_, err := updateUser(ctx, m.store, userID, func(u *User) error {
		if TOTPStateOf(u) != TOTPEnabled {
			return ErrTOTPNotSetup
		}
		if !m.Check(u.TOTPSecret, code) {
			return ErrInvalidCode
		}
		u.TOTPSecret = ""
		u.TOTPEnabled = false
		return nil
	})
	return err
}

// Check validates code against secret at the manager's current time.
func (m *TOTPManager) Check(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, m.now().UTC(), totpValidateOpts)
	return err == nil && ok
}

// GenerateTOTPCode returns the code for secret at t.
func GenerateTOTPCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, totpValidateOpts)
}
