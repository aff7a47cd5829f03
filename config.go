package authcore

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// OAuthClientConfig holds one provider's registered client.
type OAuthClientConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

// Enabled reports whether the provider is configured.
func (c OAuthClientConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Config is the process configuration, read from AUTHCORE_* variables.
type Config struct {
	Addr    string `env:"AUTHCORE_ADDR"     envDefault:":4000"`
	BaseURL string `env:"AUTHCORE_BASE_URL" envDefault:"http://localhost:4000"`

	// DatabaseURL selects the credential store: sqlite://<path>,
	// postgres://..., datastore://<project>[/<namespace>] or fs://<dir>.
	DatabaseURL string `env:"AUTHCORE_DATABASE_URL" envDefault:"sqlite://authcore.db"`

	AccessSecret  string        `env:"AUTHCORE_ACCESS_SECRET"`
	RefreshSecret string        `env:"AUTHCORE_REFRESH_SECRET"`
	AccessTTL     time.Duration `env:"AUTHCORE_ACCESS_TTL"  envDefault:"15m"`
	RefreshTTL    time.Duration `env:"AUTHCORE_REFRESH_TTL" envDefault:"168h"`
	TokenIssuer   string        `env:"AUTHCORE_TOKEN_ISSUER"`

	MaxRefreshTokens    int           `env:"AUTHCORE_MAX_REFRESH_TOKENS"  envDefault:"10"`
	RotateRefreshTokens bool          `env:"AUTHCORE_ROTATE_REFRESH_TOKENS"`
	SweepInterval       time.Duration `env:"AUTHCORE_SWEEP_INTERVAL"      envDefault:"1h"`

	SessionLifetime time.Duration `env:"AUTHCORE_SESSION_LIFETIME" envDefault:"24h"`
	// CookieSecure is "auto", "true" or "false". Auto follows the BaseURL scheme.
	CookieSecure string `env:"AUTHCORE_COOKIE_SECURE" envDefault:"auto"`

	MagicLinkTTL      time.Duration `env:"AUTHCORE_MAGIC_LINK_TTL"       envDefault:"15m"`
	TOTPIssuer        string        `env:"AUTHCORE_TOTP_ISSUER"          envDefault:"authcore"`
	TOTPPolicy        string        `env:"AUTHCORE_TOTP_POLICY"          envDefault:"optional"`
	BcryptCost        int           `env:"AUTHCORE_BCRYPT_COST"          envDefault:"10"`
	MinPasswordLength int           `env:"AUTHCORE_MIN_PASSWORD_LENGTH"  envDefault:"8"`
	LoginRatePerMin   int           `env:"AUTHCORE_LOGIN_RATE_PER_MIN"   envDefault:"20"`

	// TrustedProxies are IPs or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `env:"AUTHCORE_TRUSTED_PROXIES" envSeparator:","`

	Google OAuthClientConfig `envPrefix:"AUTHCORE_GOOGLE_"`
	GitHub OAuthClientConfig `envPrefix:"AUTHCORE_GITHUB_"`
	SMTP   SMTPConfig        `envPrefix:"AUTHCORE_SMTP_"`

	GRPCAddr     string `env:"AUTHCORE_GRPC_ADDR"`
	OTLPEndpoint string `env:"AUTHCORE_OTEL_ENDPOINT"`
	LogLevel     string `env:"AUTHCORE_LOG_LEVEL" envDefault:"info"`

	// DevMode generates throwaway secrets when none are configured.
	DevMode bool `env:"AUTHCORE_DEV_MODE"`
}

// LoadConfig reads and validates the configuration from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration, filling throwaway secrets in dev mode.
func (c *Config) Validate() error {
	if c.DevMode {
		if c.AccessSecret == "" {
			c.AccessSecret = mustToken()
		}
		if c.RefreshSecret == "" {
			c.RefreshSecret = mustToken()
		}
	}
	if len(c.AccessSecret) < MinSecretLength || len(c.RefreshSecret) < MinSecretLength {
		return fmt.Errorf("AUTHCORE_ACCESS_SECRET and AUTHCORE_REFRESH_SECRET must be at least %d bytes", MinSecretLength)
	}
	if c.AccessSecret == c.RefreshSecret {
		return fmt.Errorf("AUTHCORE_ACCESS_SECRET and AUTHCORE_REFRESH_SECRET must differ")
	}
	switch TOTPPolicy(c.TOTPPolicy) {
	case TOTPPolicyOptional, TOTPPolicyRequired:
	default:
		return fmt.Errorf("AUTHCORE_TOTP_POLICY must be optional or required, got %q", c.TOTPPolicy)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("AUTHCORE_SWEEP_INTERVAL must be positive")
	}
	if c.LoginRatePerMin < 0 {
		return fmt.Errorf("AUTHCORE_LOGIN_RATE_PER_MIN must not be negative")
	}
	if _, err := ParseTrustedProxies(c.TrustedProxies); err != nil {
		return fmt.Errorf("AUTHCORE_TRUSTED_PROXIES: %w", err)
	}
	switch strings.ToLower(c.CookieSecure) {
	case "auto", "true", "false":
	default:
		return fmt.Errorf("AUTHCORE_COOKIE_SECURE must be auto, true or false, got %q", c.CookieSecure)
	}
	return nil
}

// SecureCookies reports whether cookies should carry the Secure flag.
func (c *Config) SecureCookies() bool {
	switch strings.ToLower(c.CookieSecure) {
	case "true":
		return true
	case "false":
		return false
	}
	return strings.HasPrefix(c.BaseURL, "https://")
}

// ServiceConfig derives the service settings.
func (c *Config) ServiceConfig(metrics *Metrics) ServiceConfig {
	return ServiceConfig{
		Tokens: TokenConfig{
			AccessSecret:  c.AccessSecret,
			RefreshSecret: c.RefreshSecret,
			AccessTTL:     c.AccessTTL,
			RefreshTTL:    c.RefreshTTL,
			Issuer:        c.TokenIssuer,
		},
		Refresh: RefreshConfig{
			MaxTokensPerUser: c.MaxRefreshTokens,
			RotateOnRefresh:  c.RotateRefreshTokens,
		},
		Session: SessionConfig{
			Lifetime: c.SessionLifetime,
			Secure:   c.SecureCookies(),
		},
		MagicLink: MagicLinkConfig{
			BaseURL: c.BaseURL,
			TTL:     c.MagicLinkTTL,
		},
		BcryptCost:        c.BcryptCost,
		MinPasswordLength: c.MinPasswordLength,
		TOTPIssuer:        c.TOTPIssuer,
		TOTPPolicy:        TOTPPolicy(c.TOTPPolicy),
		Metrics:           metrics,
	}
}

func mustToken() string {
	t, err := GenerateSecureToken(32)
	if err != nil {
		panic(err)
	}
	return t
}
