package authcore

import "errors"

// Verification failures. Handlers map these to HTTP responses in statusFor;
// callers match with errors.Is.
var (
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrUserExists        = errors.New("user already exists")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrTokenRevoked      = errors.New("token revoked")
	ErrInvalidLink       = errors.New("invalid magic link")
	ErrExpiredLink       = errors.New("magic link expired")
	ErrInvalidCode       = errors.New("invalid totp code")
	ErrUnauthenticated   = errors.New("authentication required")
)

// Store and flow errors.
var (
	ErrUserNotFound          = errors.New("user not found")
	ErrVersionConflict       = errors.New("user was modified concurrently")
	ErrTOTPRequired          = errors.New("totp code required")
	ErrTOTPNotSetup          = errors.New("totp not set up")
	ErrUnsupportedCredential = errors.New("unsupported credential kind")
	ErrInvalidInput          = errors.New("invalid input")
	ErrRateLimited           = errors.New("rate limit exceeded")
)
