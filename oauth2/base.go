// Package oauth2 implements authcore.OAuthProvider for Google and GitHub on
// top of golang.org/x/oauth2.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	ac "github.com/panyam/authcore"
)

// Config holds the client registration for one provider. The URL fields
// default to the provider's public endpoints and can be pointed at a test
// server.
type Config struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Scopes       []string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
	// EmailsURL is only used by GitHub, for accounts with a private email.
	EmailsURL string

	// HTTPClient is used for the token exchange and profile calls.
	HTTPClient *http.Client
}

// fetchProfile turns an access token into a profile.
type fetchProfile func(ctx context.Context, client *http.Client) (*ac.Profile, error)

// Provider is a configured OAuth 2.0 identity provider.
type Provider struct {
	name        ac.Provider
	oauthConfig oauth2.Config
	httpClient  *http.Client
	fetch       fetchProfile
}

func newProvider(name ac.Provider, cfg Config, endpoint oauth2.Endpoint, scopes []string) *Provider {
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if len(cfg.Scopes) > 0 {
		scopes = cfg.Scopes
	}
	return &Provider{
		name:       name,
		httpClient: cfg.HTTPClient,
		oauthConfig: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
	}
}

func (p *Provider) Name() ac.Provider { return p.name }

func (p *Provider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// Exchange trades the authorization code for a token and loads the
// profile with it.
func (p *Provider) Exchange(ctx context.Context, code string) (*ac.Profile, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	token, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%s code exchange: %w", p.name, err)
	}
	profile, err := p.fetch(ctx, p.oauthConfig.Client(ctx, token))
	if err != nil {
		return nil, fmt.Errorf("%s profile: %w", p.name, err)
	}
	if profile.ProviderID == "" {
		return nil, fmt.Errorf("%s profile: missing user id", p.name)
	}
	profile.Provider = p.name
	return profile, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
