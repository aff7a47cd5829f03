package authcore

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OAuthProvider is one external identity provider.
type OAuthProvider interface {
	Name() Provider
	AuthCodeURL(state string) string
	// Exchange trades an authorization code for the user's profile.
	Exchange(ctx context.Context, code string) (*Profile, error)
}

// HandlerConfig configures the HTTP surface.
type HandlerConfig struct {
	Providers []OAuthProvider

	// Limiter throttles login, magic link and TOTP endpoints. Nil disables
	// throttling.
	Limiter RateLimiter

	// TrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
	// headers name the client. Requests from anyone else are keyed on the
	// connection address.
	TrustedProxies []netip.Prefix

	// Where browser flows land after an OAuth callback. Both default to "/".
	SuccessRedirect string
	FailureRedirect string

	// SecureCookies marks the OAuth state cookie HTTPS-only.
	SecureCookies bool

	// Gatherer backs /metrics. Nil leaves the route out.
	Gatherer prometheus.Gatherer
}

// Handlers serves the /auth API on top of a Service.
type Handlers struct {
	svc             *Service
	gate            *Gate
	providers       map[Provider]OAuthProvider
	limiter         RateLimiter
	trustedProxies  []netip.Prefix
	successRedirect string
	failureRedirect string
	secureCookies   bool
	gatherer        prometheus.Gatherer
}

// NewHandlers returns the HTTP handlers for svc.
func NewHandlers(svc *Service, cfg HandlerConfig) *Handlers {
	h := &Handlers{
		svc:             svc,
		gate:            &Gate{Sessions: svc.Sessions, Tokens: svc.Tokens},
		providers:       make(map[Provider]OAuthProvider),
		limiter:         cfg.Limiter,
		trustedProxies:  cfg.TrustedProxies,
		successRedirect: cfg.SuccessRedirect,
		failureRedirect: cfg.FailureRedirect,
		secureCookies:   cfg.SecureCookies,
		gatherer:        cfg.Gatherer,
	}
	if h.successRedirect == "" {
		h.successRedirect = "/"
	}
	if h.failureRedirect == "" {
		h.failureRedirect = "/"
	}
	for _, p := range cfg.Providers {
		h.providers[p.Name()] = p
	}
	return h
}

// Gate returns the identity gate used for protected routes.
func (h *Handlers) Gate() *Gate { return h.gate }

const maxBodyBytes = 1 << 20

// readFields reads a JSON or form-encoded body into a flat string map.
func readFields(r *http.Request) (map[string]string, error) {
	fields := make(map[string]string)
	if r.Body == nil {
		return fields, nil
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		var raw map[string]any
		err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&raw)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, ErrInvalidInput
		}
		for k, v := range raw {
			switch v := v.(type) {
			case string:
				fields[k] = v
			case float64:
				fields[k] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		return fields, nil
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return nil, ErrInvalidInput
	}
	for k := range r.PostForm {
		fields[k] = r.PostForm.Get(k)
	}
	return fields, nil
}

// totpCode accepts the code under "code" or its older name "token".
func totpCode(fields map[string]string) string {
	if c := strings.TrimSpace(fields["code"]); c != "" {
		return c
	}
	return strings.TrimSpace(fields["token"])
}

func (h *Handlers) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if h.limiter == nil || h.limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, r, ErrRateLimited)
	return false
}

// HandleRegister creates a password account and logs it in.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !h.allow(w, r, "register:"+clientIP(r, h.trustedProxies)) {
		return
	}
	user, err := h.svc.Register(r.Context(), fields["email"], fields["password"], fields["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.Sessions.Establish(r.Context(), user.ID, CredentialPassword); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleSessionLogin verifies a password and binds the user to the session.
func (h *Handlers) HandleSessionLogin(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	email := NormalizeEmail(fields["email"])
	if !h.allow(w, r, "login:"+email) {
		return
	}
	in := CredentialInput{Kind: CredentialPassword, Email: email, Password: fields["password"]}
	user, err := h.svc.Login(r.Context(), in, totpCode(fields))
	h.finishSessionLogin(w, r, user, CredentialPassword, err)
}

// HandleTokenLogin verifies a password and returns an access/refresh pair.
func (h *Handlers) HandleTokenLogin(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	email := NormalizeEmail(fields["email"])
	if !h.allow(w, r, "login:"+email) {
		return
	}
	in := CredentialInput{Kind: CredentialPassword, Email: email, Password: fields["password"]}
	user, err := h.svc.Login(r.Context(), in, totpCode(fields))
	if err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := h.svc.IssueTokens(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access":    pair.Access,
		"refresh":   pair.Refresh,
		"expiresIn": int64(pair.ExpiresIn.Seconds()),
	})
}

// HandleRefresh trades a refresh token for a new access token.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	refresh := fields["refresh"]
	if refresh == "" {
		writeError(w, r, ErrTokenInvalid)
		return
	}
	res, err := h.svc.RefreshAccess(r.Context(), refresh)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := map[string]any{
		"access":    res.Access,
		"expiresIn": int64(h.svc.Tokens.AccessTTL().Seconds()),
	}
	if res.Refresh != "" {
		body["refresh"] = res.Refresh
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleLogout ends the session and revokes the refresh token in the body,
// if any. The session is destroyed even when the body or token is bad.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Sessions.Destroy(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	fields, err := readFields(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if refresh := fields["refresh"]; refresh != "" {
		if err := h.svc.RevokeRefresh(r.Context(), refresh); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleLogoutAll revokes every refresh token of the caller.
func (h *Handlers) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	if err := h.svc.LogoutEverywhere(r.Context(), id.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	if id.Transport == TransportSession {
		if err := h.svc.Sessions.Destroy(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

const oauthStateCookie = "oauthstate"

// HandleOAuthStart redirects the browser to the provider's consent page.
func (h *Handlers) HandleOAuthStart(p Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider, ok := h.providers[p]
		if !ok {
			writeError(w, r, ErrUnsupportedCredential)
			return
		}
		state, err := GenerateSecureToken(16)
		if err != nil {
			writeError(w, r, err)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     oauthStateCookie,
			Value:    state,
			Path:     "/auth",
			Expires:  time.Now().Add(10 * time.Minute),
			HttpOnly: true,
			Secure:   h.secureCookies,
			SameSite: http.SameSiteLaxMode,
		})
		http.Redirect(w, r, provider.AuthCodeURL(state), http.StatusFound)
	}
}

// HandleOAuthCallback completes the provider flow and logs the linked user
// into the session.
func (h *Handlers) HandleOAuthCallback(p Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := LoggerFrom(r.Context())
		provider, ok := h.providers[p]
		if !ok {
			writeError(w, r, ErrUnsupportedCredential)
			return
		}
		cookie, err := r.Cookie(oauthStateCookie)
		http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/auth", MaxAge: -1, HttpOnly: true, Secure: h.secureCookies})
		state := r.URL.Query().Get("state")
		if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
			logger.WarnContext(r.Context(), "oauth state mismatch", "provider", p)
			h.failRedirect(w, r, "invalid_state")
			return
		}
		if e := r.URL.Query().Get("error"); e != "" {
			logger.InfoContext(r.Context(), "oauth consent denied", "provider", p, "error", e)
			h.failRedirect(w, r, "access_denied")
			return
		}
		profile, err := provider.Exchange(r.Context(), r.URL.Query().Get("code"))
		if err != nil {
			logger.WarnContext(r.Context(), "oauth exchange failed", "provider", p, "error", err)
			h.failRedirect(w, r, "exchange_failed")
			return
		}
		kind := CredentialKindFor(p)
		user, err := h.svc.Login(r.Context(), CredentialInput{Kind: kind, Profile: profile}, "")
		switch {
		case errors.Is(err, ErrTOTPRequired) && user != nil:
			if err := h.svc.Sessions.SetPending(r.Context(), user.ID, kind); err != nil {
				h.failRedirect(w, r, "server_error")
				return
			}
			h.failRedirect(w, r, "totp_required")
			return
		case err != nil:
			logger.WarnContext(r.Context(), "oauth login failed", "provider", p, "error", err)
			h.failRedirect(w, r, errorCode(err))
			return
		}
		if err := h.svc.Sessions.Establish(r.Context(), user.ID, kind); err != nil {
			h.failRedirect(w, r, "server_error")
			return
		}
		http.Redirect(w, r, h.successRedirect, http.StatusFound)
	}
}

func (h *Handlers) failRedirect(w http.ResponseWriter, r *http.Request, code string) {
	target := h.failureRedirect
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	http.Redirect(w, r, target+sep+"error="+url.QueryEscape(code), http.StatusFound)
}

// HandleMagicRequest mails a login link.
func (h *Handlers) HandleMagicRequest(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	email := NormalizeEmail(fields["email"])
	if !h.allow(w, r, "magic:"+email) {
		return
	}
	if err := h.svc.RequestMagicLink(r.Context(), email); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleMagicVerify redeems a mailed link and logs the user in.
func (h *Handlers) HandleMagicVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !h.allow(w, r, "magic-verify:"+clientIP(r, h.trustedProxies)) {
		return
	}
	in := CredentialInput{Kind: CredentialMagicLink, Email: q.Get("email"), Token: q.Get("token")}
	user, err := h.svc.Login(r.Context(), in, q.Get("code"))
	h.svc.Metrics.magicLink("verify", err)
	h.finishSessionLogin(w, r, user, CredentialMagicLink, err)
}

func (h *Handlers) finishSessionLogin(w http.ResponseWriter, r *http.Request, user *User, kind CredentialKind, err error) {
	if errors.Is(err, ErrTOTPRequired) && user != nil {
		if perr := h.svc.Sessions.SetPending(r.Context(), user.ID, kind); perr != nil {
			writeError(w, r, perr)
			return
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.Sessions.Establish(r.Context(), user.ID, kind); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleTOTPChallenge completes a session login parked for its second factor.
func (h *Handlers) HandleTOTPChallenge(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	userID, kind := h.svc.Sessions.Pending(r.Context())
	if userID == "" {
		writeError(w, r, ErrUnauthenticated)
		return
	}
	if !h.allow(w, r, "totp:"+userID) {
		return
	}
	ok, err := h.svc.TOTP.Verify(r.Context(), userID, totpCode(fields))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, ErrInvalidCode)
		return
	}
	if err := h.svc.Sessions.Establish(r.Context(), userID, kind); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleTOTPSetup starts enrollment for the caller.
func (h *Handlers) HandleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	enrollment, err := h.svc.TOTP.Setup(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provisioningUri": enrollment.ProvisioningURI,
		"secret":          enrollment.Secret,
		"qr":              enrollment.QRCode,
	})
}

// HandleTOTPEnable confirms enrollment with a first code.
func (h *Handlers) HandleTOTPEnable(w http.ResponseWriter, r *http.Request) {
	h.withCode(w, r, func(userID, code string) (any, error) {
		if err := h.svc.TOTP.Enable(r.Context(), userID, code); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}

// HandleTOTPVerify checks a code for the caller.
func (h *Handlers) HandleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	h.withCode(w, r, func(userID, code string) (any, error) {
		ok, err := h.svc.TOTP.Verify(r.Context(), userID, code)
		if err != nil {
			return nil, err
		}
		return map[string]any{"verified": ok}, nil
	})
}

// HandleTOTPDisable removes the caller's second factor.
func (h *Handlers) HandleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	h.withCode(w, r, func(userID, code string) (any, error) {
		if err := h.svc.TOTP.Disable(r.Context(), userID, code); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}

func (h *Handlers) withCode(w http.ResponseWriter, r *http.Request, fn func(userID, code string) (any, error)) {
	fields, err := readFields(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	userID := UserIDFrom(r.Context())
	if !h.allow(w, r, "totp:"+userID) {
		return
	}
	body, err := fn(userID, totpCode(fields))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleMe describes the caller.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	user, err := h.svc.Store.FindByID(r.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			err = ErrUnauthenticated
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          user.ID,
		"email":       user.Email,
		"name":        user.Name,
		"totp":        TOTPStateOf(user).String(),
		"hasPassword": user.HasPassword(),
		"transport":   id.Transport,
		"method":      id.Method,
	})
}

// HandleHealthz reports liveness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// errorResponse is the body of every failed API call.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type errorStatus struct {
	err    error
	status int
	code   string
	desc   string
}

// statusFor maps sentinel errors to responses. Descriptions stay generic so
// they never reveal which check failed.
var statusFor = []errorStatus{
	{ErrInvalidInput, http.StatusBadRequest, "invalid_request", "Invalid request"},
	{ErrUserExists, http.StatusConflict, "user_exists", "User exists"},
	{ErrInvalidCredential, http.StatusUnauthorized, "invalid_credentials", "Invalid credentials"},
	{ErrTOTPRequired, http.StatusUnauthorized, "totp_required", "A one-time code is required"},
	{ErrInvalidCode, http.StatusBadRequest, "invalid_code", "Invalid code"},
	{ErrTOTPNotSetup, http.StatusBadRequest, "totp_not_setup", "TOTP is not set up"},
	{ErrTokenInvalid, http.StatusUnauthorized, "token_invalid", "Invalid token"},
	{ErrTokenRevoked, http.StatusUnauthorized, "token_revoked", "Token revoked"},
	{ErrInvalidLink, http.StatusBadRequest, "invalid_link", "Invalid link"},
	{ErrExpiredLink, http.StatusBadRequest, "expired_link", "Link expired"},
	{ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated", "Login required"},
	{ErrUnsupportedCredential, http.StatusBadRequest, "unsupported_credential", "Unsupported login method"},
	{ErrRateLimited, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many attempts"},
}

func lookupStatus(err error) errorStatus {
	for _, s := range statusFor {
		if errors.Is(err, s.err) {
			return s
		}
	}
	return errorStatus{err: err, status: http.StatusInternalServerError, code: "server_error", desc: "Internal error"}
}

func errorCode(err error) string { return lookupStatus(err).code }

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	s := lookupStatus(err)
	if s.status >= http.StatusInternalServerError {
		LoggerFrom(r.Context()).ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, s.status, errorResponse{Error: s.code, ErrorDescription: s.desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
