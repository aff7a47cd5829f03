package oauth2

import (
	"context"
	"net/http"
	"strconv"

	"golang.org/x/oauth2/github"

	ac "github.com/panyam/authcore"
)

const (
	githubUserURL   = "https://api.github.com/user"
	githubEmailsURL = "https://api.github.com/user/emails"
)

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// NewGitHub returns a provider for GitHub sign-in. Accounts that hide
// their email fall back to the primary verified address from /user/emails.
func NewGitHub(cfg Config) *Provider {
	p := newProvider(ac.ProviderGitHub, cfg, github.Endpoint, []string{"read:user", "user:email"})
	userURL, emailsURL := cfg.UserInfoURL, cfg.EmailsURL
	if userURL == "" {
		userURL = githubUserURL
	}
	if emailsURL == "" {
		emailsURL = githubEmailsURL
	}
	p.fetch = func(ctx context.Context, client *http.Client) (*ac.Profile, error) {
		var info struct {
			ID    int64  `json:"id"`
			Login string `json:"login"`
			Name  string `json:"name"`
			Email string `json:"email"`
		}
		if err := getJSON(ctx, client, userURL, &info); err != nil {
			return nil, err
		}
		profile := &ac.Profile{
			Email:       info.Email,
			DisplayName: info.Name,
			Username:    info.Login,
		}
		if info.ID != 0 {
			profile.ProviderID = strconv.FormatInt(info.ID, 10)
		}
		if profile.Email == "" {
			var emails []githubEmail
			if err := getJSON(ctx, client, emailsURL, &emails); err != nil {
				return nil, err
			}
			profile.Email = primaryEmail(emails)
		}
		return profile, nil
	}
	return p
}

func primaryEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	return ""
}
