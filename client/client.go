package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// RefreshThreshold is how close to expiry a token gets refreshed early.
const RefreshThreshold = time.Minute

// Server endpoints used by the client.
const (
	TokenLoginPath = "/auth/token-login"
	RefreshPath    = "/auth/refresh"
	LogoutPath     = "/auth/logout"
)

// ErrNotLoggedIn is returned by calls that need a stored credential.
var ErrNotLoggedIn = errors.New("not logged in")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Description, e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// NeedsSecondFactor reports whether the server asked for a TOTP code.
func (e *APIError) NeedsSecondFactor() bool { return e.Code == "totp_required" }

type tokenResponse struct {
	Access    string `json:"access"`
	Refresh   string `json:"refresh,omitempty"`
	ExpiresIn int64  `json:"expiresIn"`

	Error       string `json:"error,omitempty"`
	Description string `json:"error_description,omitempty"`
}

// ClientOption customizes NewAuthClient.
type ClientOption func(*AuthClient)

// WithHTTPClient copies timeout, jar and redirect policy from client and
// sends through its transport.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.Timeout = client.Timeout
		c.httpClient.CheckRedirect = client.CheckRedirect
		c.httpClient.Jar = client.Jar
	}
}

// WithTransport sends requests through transport.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		c.baseTransport = transport
	}
}

// AuthClient talks to an authcore server and keeps its access token fresh.
type AuthClient struct {
	mu            sync.Mutex
	serverURL     string
	store         CredentialStore
	httpClient    *http.Client
	baseTransport http.RoundTripper
}

// NewAuthClient returns a client for serverURL backed by store.
func NewAuthClient(serverURL string, store CredentialStore, opts ...ClientOption) *AuthClient {
	u, err := url.Parse(serverURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		serverURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}
	c := &AuthClient{
		serverURL:     serverURL,
		store:         store,
		httpClient:    &http.Client{},
		baseTransport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient.Transport = &refreshTransport{client: c, base: c.baseTransport}
	return c
}

// HTTPClient returns an http.Client that sends the access token and
// refreshes it when needed.
func (c *AuthClient) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *AuthClient) ServerURL() string {
	return c.serverURL
}

// GetCredential loads the credential saved for the server, if any.
func (c *AuthClient) GetCredential() (*ServerCredential, error) {
	return c.store.GetCredential(c.serverURL)
}

// IsLoggedIn reports whether an unexpired credential is stored.
func (c *AuthClient) IsLoggedIn() bool {
	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil || cred == nil {
		return false
	}
	return !cred.IsExpired() || cred.HasRefreshToken()
}

// TokenLogin exchanges email and password (and a TOTP code when the
// account requires one) for a token pair and stores it.
func (c *AuthClient) TokenLogin(ctx context.Context, email, password, code string) (*ServerCredential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	body := map[string]string{"email": email, "password": password}
	if code != "" {
		body["code"] = code
	}
	resp, err := c.post(ctx, TokenLoginPath, body)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	cred := &ServerCredential{
		AccessToken:  resp.Access,
		RefreshToken: resp.Refresh,
		UserEmail:    email,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		CreatedAt:    now,
	}
	if err := c.store.SetCredential(c.serverURL, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	if err := c.store.Save(); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}
	return cred, nil
}

// GetToken returns a usable access token, refreshing it first when it is
// about to expire.
func (c *AuthClient) GetToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil || cred == nil {
		return "", err
	}
	if cred.IsExpiringSoon(RefreshThreshold) && cred.HasRefreshToken() {
		cred, err = c.refreshLocked(ctx, cred)
		if err != nil {
			return "", fmt.Errorf("token refresh failed: %w", err)
		}
	}
	if cred.IsExpired() {
		return "", nil
	}
	return cred.AccessToken, nil
}

// Refresh forces a refresh of the access token.
func (c *AuthClient) Refresh(ctx context.Context) (*ServerCredential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil {
		return nil, err
	}
	if cred == nil || !cred.HasRefreshToken() {
		return nil, ErrNotLoggedIn
	}
	return c.refreshLocked(ctx, cred)
}

// Logout revokes the refresh token on the server and forgets the
// credential locally. The local credential is dropped even if the server
// call fails.
func (c *AuthClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil {
		return err
	}
	var serverErr error
	if cred != nil && cred.HasRefreshToken() {
		_, serverErr = c.post(ctx, LogoutPath, map[string]string{"refresh": cred.RefreshToken})
	}
	if err := c.store.RemoveCredential(c.serverURL); err != nil {
		return err
	}
	if err := c.store.Save(); err != nil {
		return err
	}
	return serverErr
}

// refreshLocked swaps the refresh token for a new access token. A
// rotated refresh token replaces the stored one. A revoked refresh token
// clears the credential. Caller must hold c.mu
func (c *AuthClient) refreshLocked(ctx context.Context, cred *ServerCredential) (*ServerCredential, error) {
	resp, err := c.post(ctx, RefreshPath, map[string]string{"refresh": cred.RefreshToken})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			c.store.RemoveCredential(c.serverURL)
			c.store.Save()
		}
		return nil, err
	}
	updated := *cred
	updated.AccessToken = resp.Access
	updated.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if resp.Refresh != "" {
		updated.RefreshToken = resp.Refresh
	}
	if err := c.store.SetCredential(c.serverURL, &updated); err != nil {
		return nil, fmt.Errorf("failed to store refreshed credential: %w", err)
	}
	if err := c.store.Save(); err != nil {
		return nil, err
	}
	return &updated, nil
}

// post sends a JSON body over the base transport, bypassing the refresh
// logic.
func (c *AuthClient) post(ctx context.Context, path string, body any) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Transport: c.baseTransport, Timeout: c.httpClient.Timeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting %s: %w", c.serverURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var out tokenResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode == http.StatusOK {
			return nil, fmt.Errorf("invalid response from server: %w", err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Code: out.Error, Description: out.Description}
	}
	return &out, nil
}
