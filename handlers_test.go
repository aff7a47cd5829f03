package authcore_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	ac "github.com/panyam/authcore"
)

// fakeProvider hands out profiles keyed by authorization code.
type fakeProvider struct {
	name     ac.Provider
	profiles map[string]*ac.Profile
}

func (p *fakeProvider) Name() ac.Provider { return p.name }

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.example/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(ctx context.Context, code string) (*ac.Profile, error) {
	profile, ok := p.profiles[code]
	if !ok {
		return nil, errors.New("bad code")
	}
	return profile, nil
}

type httpEnv struct {
	*testEnv
	srv    *httptest.Server
	client *http.Client
}

func newHTTPEnv(t *testing.T, hcfg ac.HandlerConfig, opts ...func(*ac.ServiceConfig)) *httpEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts = append([]func(*ac.ServiceConfig){func(c *ac.ServiceConfig) {
		c.Metrics = ac.NewMetrics(reg)
	}}, opts...)
	env := newTestEnv(t, opts...)
	hcfg.Gatherer = reg
	if hcfg.FailureRedirect == "" {
		hcfg.FailureRedirect = "/login"
	}
	if hcfg.SuccessRedirect == "" {
		hcfg.SuccessRedirect = "/home"
	}
	handlers := ac.NewHandlers(env.svc, hcfg)
	srv := httptest.NewServer(handlers.Router(ac.NewLogger(io.Discard, "error")))
	t.Cleanup(srv.Close)
	return &httpEnv{testEnv: env, srv: srv, client: newBrowser(t)}
}

// newBrowser returns a client with a cookie jar that does not follow
// redirects.
func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (e *httpEnv) do(t *testing.T, c *http.Client, method, path string, body any, header http.Header) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decoding %s response: %v", path, err)
		}
	}
	return resp.StatusCode, out
}

func (e *httpEnv) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	return e.do(t, e.client, http.MethodPost, path, body, nil)
}

func (e *httpEnv) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	return e.do(t, e.client, http.MethodGet, path, nil, nil)
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestSessionFlow(t *testing.T) {
	e := newHTTPEnv(t, ac.HandlerConfig{})

	if status, _ := e.get(t, "/auth/me"); status != http.StatusUnauthorized {
		t.Fatalf("anonymous /me = %d", status)
	}
	status, body := e.post(t, "/auth/register", map[string]string{"email": "Alice@Example.com", "password": testPassword})
	if status != http.StatusOK {
		t.Fatalf("register = %d %v", status, body)
	}
	status, body = e.get(t, "/auth/me")
	if status != http.StatusOK {
		t.Fatalf("/me after register = %d %v", status, body)
	}
	if body["email"] != "alice@example.com" || body["transport"] != "session" || body["method"] != "password" {
		t.Errorf("unexpected /me body %v", body)
	}

	if status, _ := e.post(t, "/auth/logout", nil); status != http.StatusOK {
		t.Fatalf("logout = %d", status)
	}
	if status, _ := e.get(t, "/auth/me"); status != http.StatusUnauthorized {
		t.Errorf("/me after logout = %d", status)
	}

	status, body = e.post(t, "/auth/session-login", map[string]string{"email": "alice@example.com", "password": "wrong password"})
	if status != http.StatusUnauthorized || body["error"] != "invalid_credentials" {
		t.Errorf("bad password = %d %v", status, body)
	}
	status, _ = e.post(t, "/auth/session-login", map[string]string{"email": "alice@example.com", "password": testPassword})
	if status != http.StatusOK {
		t.Fatalf("session-login = %d", status)
	}
	if status, _ := e.get(t, "/auth/me"); status != http.StatusOK {
		t.Errorf("/me after login = %d", status)
	}
}

func TestRegisterErrors(t *testing.T) {
	e := newHTTPEnv(t, ac.HandlerConfig{})
	e.register(t, "alice@example.com")

	tests := []struct {
		name   string
		body   map[string]string
		status int
		code   string
	}{
		{"duplicate", map[string]string{"email": "ALICE@example.com", "password": testPassword}, http.StatusConflict, "user_exists"},
		{"bad email", map[string]string{"email": "alice", "password": testPassword}, http.StatusBadRequest, "invalid_request"},
		{"short password", map[string]string{"email": "bob@example.com", "password": "short"}, http.StatusBadRequest, "invalid_request"},
		{"long password", map[string]string{"email": "bob@example.com", "password": strings.Repeat("p", 80)}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := e.post(t, "/auth/register", tt.body)
			if status != tt.status || body["error"] != tt.code {
				t.Errorf("got %d %v, want %d %s", status, body, tt.status, tt.code)
			}
		})
	}
}

func TestTokenFlow(t *testing.T) {
	e := newHTTPEnv(t, ac.HandlerConfig{})
	e.register(t, "alice@example.com")
	api := &http.Client{}

	status, body := e.do(t, api, http.MethodPost, "/auth/token-login", map[string]string{"email": "alice@example.com", "password": testPassword}, nil)
	if status != http.StatusOK {
		t.Fatalf("token-login = %d %v", status, body)
	}
	access, _ := body["access"].(string)
	refresh, _ := body["refresh"].(string)
	if access == "" || refresh == "" || body["expiresIn"] != float64(900) {
		t.Fatalf("unexpected token body %v", body)
	}

	status, body = e.do(t, api, http.MethodGet, "/auth/me", nil, bearer(access))
	if status != http.StatusOK || body["transport"] != "bearer" {
		t.Errorf("/me with bearer = %d %v", status, body)
	}
	status, body = e.do(t, api, http.MethodGet, "/auth/me", nil, bearer(refresh))
	if status != http.StatusUnauthorized || body["error"] != "token_invalid" {
		t.Errorf("/me with refresh token = %d %v", status, body)
	}

	status, body = e.do(t, api, http.MethodPost, "/auth/refresh", map[string]string{"refresh": refresh}, nil)
	if status != http.StatusOK || body["access"] == "" {
		t.Fatalf("refresh = %d %v", status, body)
	}
	if _, rotated := body["refresh"]; rotated {
		t.Error("refresh tokens are not rotated by default")
	}

	if status, _ := e.do(t, api, http.MethodPost, "/auth/logout", map[string]string{"refresh": refresh}, nil); status != http.StatusOK {
		t.Fatalf("logout = %d", status)
	}
	status, body = e.do(t, api, http.MethodPost, "/auth/refresh", map[string]string{"refresh": refresh}, nil)
	if status != http.StatusUnauthorized || body["error"] != "token_revoked" {
		t.Errorf("refresh after logout = %d %v", status, body)
	}
	status, body = e.do(t, api, http.MethodPost, "/auth/refresh", map[string]string{"refresh": "garbage"}, nil)
	if status != http.StatusUnauthorized || body["error"] != "token_invalid" {
		t.Errorf("garbage refresh = %d %v", status, body)
	}
}

func TestLogoutAll(t *testing.T) {
	e := newHTTPEnv(t, ac.HandlerConfig{})
	user := e.register(t, "alice@example.com")
	pair, err := e.svc.IssueTokens(context.Background(), user.ID)
	if err != nil {
		t.Fatal(err)
	}

	status, _ := e.do(t, &http.Client{}, http.MethodPost, "/auth/logout-all", nil, bearer(pair.Access))
	if status != http.StatusOK {
		t.Fatalf("logout-all = %d", status)
	}
	if _, err := e.svc.RefreshAccess(context.Background(), pair.Refresh); !errors.Is(err, ac.ErrTokenRevoked) {
		t.Errorf("expected ErrTokenRevoked, got %v", err)
	}
}

func TestOAuthFlow(t *testing.T) {
	provider := &fakeProvider{name: ac.ProviderGoogle, profiles: map[string]*ac.Profile{
		"good": {Provider: ac.ProviderGoogle, ProviderID: "g-1", Email: "g@example.com", DisplayName: "Gee"},
	}}
	e := newHTTPEnv(t, ac.HandlerConfig{Providers: []ac.OAuthProvider{provider}})

	start := func(t *testing.T) string {
		t.Helper()
		resp, err := e.client.Get(e.srv.URL + "/auth/google")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("start = %d", resp.StatusCode)
		}
		loc, _ := url.Parse(resp.Header.Get("Location"))
		if loc.Host != "provider.example" {
			t.Fatalf("redirected to %s", loc)
		}
		return loc.Query().Get("state")
	}
	callback := func(t *testing.T, query string) string {
		t.Helper()
		resp, err := e.client.Get(e.srv.URL + "/auth/google/callback?" + query)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("callback = %d", resp.StatusCode)
		}
		return resp.Header.Get("Location")
	}

	t.Run("state mismatch", func(t *testing.T) {
		start(t)
		if loc := callback(t, "state=forged&code=good"); loc != "/login?error=invalid_state" {
			t.Errorf("redirected to %q", loc)
		}
	})
	t.Run("exchange failure", func(t *testing.T) {
		state := start(t)
		if loc := callback(t, "state="+state+"&code=bad"); loc != "/login?error=exchange_failed" {
			t.Errorf("redirected to %q", loc)
		}
	})
	t.Run("state is single use", func(t *testing.T) {
		state := start(t)
		callback(t, "state="+state+"&code=bad")
		if loc := callback(t, "state="+state+"&code=good"); loc != "/login?error=invalid_state" {
			t.Errorf("replayed state redirected to %q", loc)
		}
	})
	t.Run("success", func(t *testing.T) {
		state := start(t)
		if loc := callback(t, "state="+state+"&code=good"); loc != "/home" {
			t.Fatalf("redirected to %q", loc)
		}
		status, body := e.get(t, "/auth/me")
		if status != http.StatusOK || body["email"] != "g@example.com" || body["method"] != "google" {
			t.Errorf("/me = %d %v", status, body)
		}
	})

	if status, _ := e.get(t, "/auth/github"); status != http.StatusNotFound {
		t.Errorf("unconfigured provider = %d", status)
	}
}

func TestMagicLinkHTTP(t *testing.T) {
	e := newHTTPEnv(t, ac.HandlerConfig{})
	if status, _ := e.post(t, "/auth/magic/request", map[string]string{"email": "m@example.com"}); status != http.StatusOK {
		t.Fatalf("magic request = %d", status)
	}
	link := strings.TrimPrefix(e.mail.Last(t).Body, "Click: ")
	u, err := url.Parse(link)
	if err != nil {
		t.Fatal(err)
	}

	status, body := e.get(t, ac.MagicLinkVerifyPath+"?"+u.RawQuery)
	if status != http.StatusOK {
		t.Fatalf("verify = %d %v", status, body)
	}
	if _, body := e.get(t, "/auth/me"); body["method"] != "magic_link" {
		t.Errorf("/me = %v", body)
	}
	status, body = e.get(t, ac.MagicLinkVerifyPath+"?"+u.RawQuery)
	if status != http.StatusBadRequest || body["error"] != "invalid_link" {
		t.Errorf("reused link = %d %v", status, body)
	}
}

func TestTOTPChallengeHTTP(t *testing.T) {
	e := newHTTPEnv(t, ac.HandlerConfig{}, func(c *ac.ServiceConfig) {
		c.TOTPPolicy = ac.TOTPPolicyRequired
	})
	login := map[string]string{"email": "alice@example.com", "password": testPassword}

	// Enroll through the API.
	if status, _ := e.post(t, "/auth/register", login); status != http.StatusOK {
		t.Fatal("register failed")
	}
	status, body := e.post(t, "/auth/totp/setup", nil)
	if status != http.StatusOK {
		t.Fatalf("setup = %d %v", status, body)
	}
	secret, _ := body["secret"].(string)
	if qr, _ := body["qr"].(string); !strings.HasPrefix(qr, "data:image/png;base64,") {
		t.Errorf("setup qr = %.40q", qr)
	}
	if status, body := e.post(t, "/auth/totp/enable", map[string]string{"code": "000000"}); status != http.StatusBadRequest || body["error"] != "invalid_code" {
		t.Errorf("enable with wrong code = %d %v", status, body)
	}
	if status, _ := e.post(t, "/auth/totp/enable", map[string]string{"code": e.code(t, secret)}); status != http.StatusOK {
		t.Fatalf("enable = %d", status)
	}
	e.post(t, "/auth/logout", nil)

	status, body = e.post(t, "/auth/session-login", login)
	if status != http.StatusUnauthorized || body["error"] != "totp_required" {
		t.Fatalf("login without code = %d %v", status, body)
	}
	if status, _ := e.get(t, "/auth/me"); status != http.StatusUnauthorized {
		t.Error("a parked login must not authenticate the session")
	}
	if status, body := e.post(t, "/auth/totp/challenge", map[string]string{"code": "000000"}); status != http.StatusBadRequest || body["error"] != "invalid_code" {
		t.Errorf("challenge with wrong code = %d %v", status, body)
	}
	if status, _ := e.post(t, "/auth/totp/challenge", map[string]string{"code": e.code(t, secret)}); status != http.StatusOK {
		t.Fatalf("challenge = %d", status)
	}
	if status, _ := e.get(t, "/auth/me"); status != http.StatusOK {
		t.Error("challenge should complete the login")
	}

	// Token login takes the code inline.
	api := &http.Client{}
	status, body = e.do(t, api, http.MethodPost, "/auth/token-login", login, nil)
	if status != http.StatusUnauthorized || body["error"] != "totp_required" {
		t.Errorf("token login without code = %d %v", status, body)
	}
	withCode := map[string]string{"email": login["email"], "password": login["password"], "code": e.code(t, secret)}
	if status, _ := e.do(t, api, http.MethodPost, "/auth/token-login", withCode, nil); status != http.StatusOK {
		t.Errorf("token login with code = %d", status)
	}

	// Without a parked login there is nothing to challenge.
	fresh := newBrowser(t)
	if status, _ := e.do(t, fresh, http.MethodPost, "/auth/totp/challenge", map[string]string{"code": e.code(t, secret)}, nil); status != http.StatusUnauthorized {
		t.Errorf("challenge without pending login = %d", status)
	}
}

func TestLoginRateLimit(t *testing.T) {
	e := newHTTPEnv(t, ac.HandlerConfig{Limiter: ac.NewKeyedRateLimiter(60, 2)})
	e.register(t, "alice@example.com")
	bad := map[string]string{"email": "alice@example.com", "password": "nope nope"}

	for i := range 2 {
		if status, _ := e.post(t, "/auth/session-login", bad); status != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d", i, status)
		}
	}
	status, body := e.post(t, "/auth/session-login", bad)
	if status != http.StatusTooManyRequests || body["error"] != "rate_limit_exceeded" {
		t.Errorf("third attempt = %d %v", status, body)
	}
	// Other accounts have their own bucket.
	other := map[string]string{"email": "bob@example.com", "password": "nope nope"}
	if status, _ := e.post(t, "/auth/session-login", other); status != http.StatusUnauthorized {
		t.Errorf("other account = %d", status)
	}
}

func TestLoginRateLimitIgnoresForwardedFor(t *testing.T) {
	e := newHTTPEnv(t, ac.HandlerConfig{Limiter: ac.NewKeyedRateLimiter(60, 2)})
	e.register(t, "alice@example.com")
	bad := map[string]string{"email": "alice@example.com", "password": "nope nope"}

	limited := 0
	for i := range 20 {
		header := http.Header{
			"X-Forwarded-For": {fmt.Sprintf("203.0.113.%d", i)},
			"X-Real-Ip":       {fmt.Sprintf("198.51.100.%d", i)},
		}
		if status, _ := e.do(t, e.client, http.MethodPost, "/auth/session-login", bad, header); status == http.StatusTooManyRequests {
			limited++
		}
	}
	// Burst 2 lets two through; allow one refill on a slow machine.
	if limited < 17 {
		t.Errorf("only %d of 20 guesses rate limited", limited)
	}
}

func TestRegisterRateLimitTrustedProxies(t *testing.T) {
	register := func(e *httpEnv, i int) int {
		body := map[string]string{"email": fmt.Sprintf("user%d@example.com", i), "password": testPassword}
		header := http.Header{"X-Forwarded-For": {fmt.Sprintf("203.0.113.%d, 127.0.0.1", i)}}
		status, _ := e.do(t, newBrowser(t), http.MethodPost, "/auth/register", body, header)
		return status
	}

	// Untrusted peers share the bucket of their connection address.
	e := newHTTPEnv(t, ac.HandlerConfig{Limiter: ac.NewKeyedRateLimiter(60, 2)})
	for i := range 2 {
		if status := register(e, i); status != http.StatusOK {
			t.Fatalf("register %d = %d", i, status)
		}
	}
	if status := register(e, 2); status != http.StatusTooManyRequests {
		t.Errorf("spoofed header bypassed the limit: %d", status)
	}

	// Behind a trusted proxy each forwarded client gets its own bucket.
	trusted, err := ac.ParseTrustedProxies([]string{"127.0.0.1", "::1"})
	if err != nil {
		t.Fatal(err)
	}
	e = newHTTPEnv(t, ac.HandlerConfig{Limiter: ac.NewKeyedRateLimiter(60, 2), TrustedProxies: trusted})
	for i := range 4 {
		if status := register(e, i); status != http.StatusOK {
			t.Errorf("register %d via trusted proxy = %d", i, status)
		}
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ac.ParseTrustedProxies([]string{"10.0.0.0/8", " 192.168.1.7 ", "", "::ffff:172.16.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"10.0.0.0/8", "192.168.1.7/32", "172.16.0.1/32"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("prefix %d = %s, want %s", i, got[i], want[i])
		}
	}
	for _, bad := range []string{"not-an-ip", "10.0.0.0/99"} {
		if _, err := ac.ParseTrustedProxies([]string{bad}); err == nil {
			t.Errorf("%q should be rejected", bad)
		}
	}
}

func TestLogoutWithMalformedBodyEndsSession(t *testing.T) {
	e := newHTTPEnv(t, ac.HandlerConfig{})
	if status, _ := e.post(t, "/auth/register", map[string]string{"email": "alice@example.com", "password": testPassword}); status != http.StatusOK {
		t.Fatalf("register = %d", status)
	}
	if status, _ := e.get(t, "/auth/me"); status != http.StatusOK {
		t.Fatalf("/me after register = %d", status)
	}
	status, body := e.post(t, "/auth/logout", "not an object")
	if status != http.StatusBadRequest || body["error"] != "invalid_request" {
		t.Errorf("logout = %d %v", status, body)
	}
	if status, _ := e.get(t, "/auth/me"); status != http.StatusUnauthorized {
		t.Errorf("/me after malformed logout = %d", status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newHTTPEnv(t, ac.HandlerConfig{})
	status, body := e.get(t, "/healthz")
	if status != http.StatusOK || body["status"] != "ok" {
		t.Errorf("/healthz = %d %v", status, body)
	}

	e.register(t, "alice@example.com")
	e.post(t, "/auth/session-login", map[string]string{"email": "alice@example.com", "password": testPassword})

	resp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`authcore_login_attempts_total{method="password",outcome="success"} 1`,
		`authcore_registrations_total 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestFormEncodedLogin(t *testing.T) {
	e := newHTTPEnv(t, ac.HandlerConfig{})
	e.register(t, "alice@example.com")

	form := url.Values{"email": {"alice@example.com"}, "password": {testPassword}}
	resp, err := e.client.PostForm(e.srv.URL+"/auth/session-login", form)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("form login = %d", resp.StatusCode)
	}
}
