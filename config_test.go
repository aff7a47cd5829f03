package authcore_test

import (
	"testing"
	"time"

	ac "github.com/panyam/authcore"
)

func setSecrets(t *testing.T) {
	t.Setenv("AUTHCORE_ACCESS_SECRET", testAccessSecret)
	t.Setenv("AUTHCORE_REFRESH_SECRET", testRefreshSecret)
}

func TestLoadConfigDefaults(t *testing.T) {
	setSecrets(t)
	cfg, err := ac.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Addr != ":4000" || cfg.AccessTTL != 15*time.Minute || cfg.RefreshTTL != 168*time.Hour {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.SecureCookies() {
		t.Error("http base URL should not force secure cookies")
	}
	sc := cfg.ServiceConfig(nil)
	if sc.TOTPPolicy != ac.TOTPPolicyOptional || sc.Refresh.MaxTokensPerUser != 10 {
		t.Errorf("unexpected service config %+v", sc)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	setSecrets(t)
	t.Setenv("AUTHCORE_BASE_URL", "https://id.example.com")
	t.Setenv("AUTHCORE_TOTP_POLICY", "required")
	t.Setenv("AUTHCORE_GOOGLE_CLIENT_ID", "gid")
	t.Setenv("AUTHCORE_GOOGLE_CLIENT_SECRET", "gsecret")
	t.Setenv("AUTHCORE_ACCESS_TTL", "5m")

	cfg, err := ac.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.SecureCookies() {
		t.Error("https base URL should mark cookies secure")
	}
	if !cfg.Google.Enabled() || cfg.GitHub.Enabled() {
		t.Errorf("provider config = %+v %+v", cfg.Google, cfg.GitHub)
	}
	if cfg.AccessTTL != 5*time.Minute || cfg.TOTPPolicy != "required" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := map[string]map[string]string{
		"missing secrets": {"AUTHCORE_ACCESS_SECRET": "", "AUTHCORE_REFRESH_SECRET": ""},
		"same secrets":    {"AUTHCORE_REFRESH_SECRET": testAccessSecret},
		"bad policy":      {"AUTHCORE_TOTP_POLICY": "sometimes"},
		"bad cookie mode": {"AUTHCORE_COOKIE_SECURE": "maybe"},
		"zero sweep":      {"AUTHCORE_SWEEP_INTERVAL": "0s"},
		"negative rate":   {"AUTHCORE_LOGIN_RATE_PER_MIN": "-1"},
		"bad proxy":       {"AUTHCORE_TRUSTED_PROXIES": "10.0.0.0/8,proxy.internal"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			setSecrets(t)
			for k, v := range vars {
				t.Setenv(k, v)
			}
			if _, err := ac.LoadConfig(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestDevModeGeneratesSecrets(t *testing.T) {
	t.Setenv("AUTHCORE_DEV_MODE", "true")
	t.Setenv("AUTHCORE_ACCESS_SECRET", "")
	t.Setenv("AUTHCORE_REFRESH_SECRET", "")
	cfg, err := ac.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.AccessSecret) < ac.MinSecretLength || cfg.AccessSecret == cfg.RefreshSecret {
		t.Error("dev mode should generate distinct secrets")
	}
}
