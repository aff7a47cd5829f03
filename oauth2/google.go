package oauth2

import (
	"context"
	"net/http"

	"golang.org/x/oauth2/google"

	ac "github.com/panyam/authcore"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// NewGoogle returns a provider for Google sign-in.
func NewGoogle(cfg Config) *Provider {
	p := newProvider(ac.ProviderGoogle, cfg, google.Endpoint, []string{
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	})
	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = googleUserInfoURL
	}
	p.fetch = func(ctx context.Context, client *http.Client) (*ac.Profile, error) {
		var info struct {
			ID            string `json:"id"`
			Email         string `json:"email"`
			VerifiedEmail bool   `json:"verified_email"`
			Name          string `json:"name"`
		}
		if err := getJSON(ctx, client, userInfoURL, &info); err != nil {
			return nil, err
		}
		return &ac.Profile{
			ProviderID:  info.ID,
			Email:       info.Email,
			DisplayName: info.Name,
		}, nil
	}
	return p
}
