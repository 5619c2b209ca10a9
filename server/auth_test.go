package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"sessiongate/client"
	"sessiongate/internal/providertest"
)

type testEnv struct {
	t   *testing.T
	idp *providertest.Provider
	app *App
	srv *httptest.Server
}

func newTestEnv(t *testing.T, modify func(*Config), opts ...AuthenticatorOption) *testEnv {
	t.Helper()
	idp := providertest.New(t)

	cfg := validConfig()
	cfg.Client.ClientID = idp.ClientID
	cfg.Client.ClientSecret = idp.ClientSecret
	cfg.Client.RedirectURI = "http://app.test/auth/callback"
	cfg.Provider.URL = idp.URL()
	cfg.Cookies.Secure = false
	if modify != nil {
		modify(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(cfg, logger, "test", opts...)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(app.Close)

	srv := httptest.NewServer(app.Routes())
	t.Cleanup(srv.Close)

	return &testEnv{t: t, idp: idp, app: app, srv: srv}
}

// guarded serves a browser page behind the authenticator for redirect tests.
func (e *testEnv) guarded(role string) *httptest.Server {
	e.t.Helper()
	r := chi.NewRouter()
	r.Use(e.app.Auth.Middleware)
	r.Mount("/auth", e.app.Auth.Routes())
	r.With(e.app.Auth.RequireUser(role)).Get("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromRequest(r)
		writeJSON(w, http.StatusOK, user)
	})
	srv := httptest.NewServer(r)
	e.t.Cleanup(srv.Close)
	return srv
}

func noFollowClient(jar http.CookieJar) *http.Client {
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (e *testEnv) sessionCookie(s client.Session) *http.Cookie {
	e.t.Helper()
	value, err := e.app.Client.EncodeSession(s)
	if err != nil {
		e.t.Fatalf("encode session: %v", err)
	}
	return &http.Cookie{Name: e.app.Config.Cookies.Name, Value: value}
}

func (e *testEnv) get(target string, cookies ...*http.Cookie) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := noFollowClient(nil).Do(req)
	if err != nil {
		e.t.Fatalf("GET %s: %v", target, err)
	}
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestPublicPathBypass(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(env.srv.URL + "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for public path, got %d", resp.StatusCode)
	}
	if len(resp.Cookies()) != 0 {
		t.Fatalf("public path must not touch cookies, got %v", resp.Cookies())
	}

	resp = env.get(env.srv.URL + "/api/version")
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["version"] != "test" {
		t.Fatalf("unexpected version body %v", body)
	}
	if env.idp.DiscoveryCalls.Load() != 0 {
		t.Fatalf("public paths must not contact the provider")
	}
}

func TestHasPathPrefix(t *testing.T) {
	tests := []struct {
		path, prefix string
		want         bool
	}{
		{"/health", "/health", true},
		{"/health/live", "/health", true},
		{"/healthcheck", "/health", false},
		{"/auth", "/auth", true},
		{"/authority", "/auth", false},
		{"/", "/health", false},
	}
	for _, tt := range tests {
		if got := hasPathPrefix(tt.path, tt.prefix); got != tt.want {
			t.Errorf("hasPathPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
		}
	}
}

func TestPublicPathsMerged(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.PublicPaths = []string{"/health", "/docs/"}
	})
	auth := NewAuthenticator(env.app.Config, env.app.Client, nil, WithPublicPaths("/docs", "/metrics"))

	got := strings.Join(auth.PublicPaths(), ",")
	if got != "/health,/api/version,/docs,/metrics" {
		t.Fatalf("unexpected public paths %q", got)
	}
}

func TestSanitizeNext(t *testing.T) {
	tests := map[string]string{
		"":                     "/",
		"/dashboard?tab=2":     "/dashboard?tab=2",
		"//evil.example":       "/",
		"/\\evil.example":      "/",
		"https://evil.example": "/",
		"relative":             "/",
	}
	for in, want := range tests {
		if got := sanitizeNext(in); got != want {
			t.Errorf("sanitizeNext(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGuardAnonymous(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(env.srv.URL + "/api/me")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous api call, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["detail"] != "Not authenticated" {
		t.Fatalf("unexpected body %v", body)
	}

	page := env.guarded("")
	resp = env.get(page.URL + "/dashboard")
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307 for anonymous browser request, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/auth/login?next=%2Fdashboard" {
		t.Fatalf("unexpected redirect %q", loc)
	}

	req, _ := http.NewRequest(http.MethodGet, page.URL+"/dashboard", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := noFollowClient(nil).Do(req)
	if err != nil {
		t.Fatalf("GET dashboard: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 when json is accepted, got %d", resp.StatusCode)
	}
}

func TestGuardRole(t *testing.T) {
	env := newTestEnv(t, nil)
	expires := time.Now().Add(time.Hour).Unix()

	user := providertest.Identity{Subject: "u-1", Username: "alice", Role: "user"}
	userSession := client.Session{
		Tokens: client.Tokens{AccessToken: env.idp.MintAccessToken(t, user, time.Hour), RefreshToken: "r", ExpiresAt: expires},
		User:   client.User{Subject: "u-1", Username: "alice", Role: "user"},
	}
	resp := env.get(env.srv.URL+"/api/admin", env.sessionCookie(userSession))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for role mismatch, got %d", resp.StatusCode)
	}

	admin := providertest.Identity{Subject: "u-2", Username: "root", Role: "admin"}
	adminSession := client.Session{
		Tokens: client.Tokens{AccessToken: env.idp.MintAccessToken(t, admin, time.Hour), RefreshToken: "r", ExpiresAt: expires},
		User:   client.User{Subject: "u-2", Username: "root", Role: "admin"},
	}
	resp = env.get(env.srv.URL+"/api/admin", env.sessionCookie(adminSession))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.StatusCode)
	}
}

func TestLoginSetsLoginStateCookie(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(env.srv.URL + "/auth/login?next=/dashboard")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Host != "id.example.test" {
		t.Fatalf("browser must be sent to the external host, got %q", loc.Host)
	}

	pkceCookie := findCookie(resp, env.app.Config.Cookies.PKCEName)
	if pkceCookie == nil {
		t.Fatalf("expected login state cookie")
	}
	if pkceCookie.MaxAge != 600 || !pkceCookie.HttpOnly {
		t.Fatalf("unexpected login state cookie attributes: %+v", pkceCookie)
	}

	ls, err := env.app.Client.DecodeLoginState(pkceCookie.Value)
	if err != nil {
		t.Fatalf("decode login state: %v", err)
	}
	if ls.Next != "/dashboard" {
		t.Fatalf("next mismatch: %q", ls.Next)
	}
	if ls.State != loc.Query().Get("state") {
		t.Fatalf("state in cookie does not match authorization request")
	}
	if oauth2.S256ChallengeFromVerifier(ls.Verifier) != loc.Query().Get("code_challenge") {
		t.Fatalf("challenge does not derive from stored verifier")
	}

	resp = env.get(env.srv.URL + "/auth/login?next=//evil.example/steal")
	ls, err = env.app.Client.DecodeLoginState(findCookie(resp, env.app.Config.Cookies.PKCEName).Value)
	if err != nil {
		t.Fatalf("decode login state: %v", err)
	}
	if ls.Next != "/" {
		t.Fatalf("off-site next must be dropped, got %q", ls.Next)
	}
}

func TestLoginProviderUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.idp.Server.Close()

	resp := env.get(env.srv.URL + "/auth/login")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 when discovery fails, got %d", resp.StatusCode)
	}
}

func (e *testEnv) startLogin(next string) (*http.Cookie, url.Values) {
	e.t.Helper()
	resp := e.get(e.srv.URL + "/auth/login?next=" + url.QueryEscape(next))
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		e.t.Fatalf("parse location: %v", err)
	}
	c := findCookie(resp, e.app.Config.Cookies.PKCEName)
	if c == nil {
		e.t.Fatalf("expected login state cookie")
	}
	return &http.Cookie{Name: c.Name, Value: c.Value}, loc.Query()
}

func TestCallbackStateMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	pkceCookie, params := env.startLogin("/dashboard")
	code := env.idp.Authorize(params.Get("code_challenge"), providertest.Identity{Subject: "u-1"})

	resp := env.get(env.srv.URL+"/auth/callback?code="+code+"&state=forged", pkceCookie)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/auth/login" {
		t.Fatalf("expected restart at /auth/login, got %q", loc)
	}
	if c := findCookie(resp, env.app.Config.Cookies.Name); c != nil {
		t.Fatalf("no session cookie may be set on state mismatch, got %+v", c)
	}
	if c := findCookie(resp, env.app.Config.Cookies.PKCEName); c == nil || c.MaxAge >= 0 {
		t.Fatalf("login state cookie should be cleared, got %+v", c)
	}
	if env.idp.TokenCalls.Load() != 0 {
		t.Fatalf("code must not be exchanged on state mismatch")
	}
}

func TestCallbackWithoutLoginState(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(env.srv.URL + "/auth/callback?code=abc&state=xyz")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/auth/login" {
		t.Fatalf("expected redirect to login, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	tampered := &http.Cookie{Name: env.app.Config.Cookies.PKCEName, Value: "not-a-valid-state"}
	resp = env.get(env.srv.URL+"/auth/callback?code=abc&state=xyz", tampered)
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/auth/login" {
		t.Fatalf("expected redirect to login for tampered state, got %d", resp.StatusCode)
	}
}

func TestCallbackProviderError(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(env.srv.URL + "/auth/callback?error=access_denied")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["error"] != "access_denied" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCallbackExchangeFailures(t *testing.T) {
	t.Run("invalid code", func(t *testing.T) {
		env := newTestEnv(t, nil)
		pkceCookie, params := env.startLogin("/")
		resp := env.get(env.srv.URL+"/auth/callback?code=unknown&state="+params.Get("state"), pkceCookie)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
		if findCookie(resp, env.app.Config.Cookies.Name) != nil {
			t.Fatalf("no session may be created")
		}
	})

	t.Run("provider outage", func(t *testing.T) {
		env := newTestEnv(t, nil)
		pkceCookie, params := env.startLogin("/")
		code := env.idp.Authorize(params.Get("code_challenge"), providertest.Identity{Subject: "u-1"})
		env.idp.FailNextTokenRequests(1)
		resp := env.get(env.srv.URL+"/auth/callback?code="+code+"&state="+params.Get("state"), pkceCookie)
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", resp.StatusCode)
		}
	})
}

func TestLoginCallbackEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	browser := noFollowClient(jar)

	resp, err := browser.Get(env.srv.URL + "/auth/login?next=/api/me")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	authorize, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}

	id := providertest.Identity{Subject: "user-123", PreferredUsername: "alice", Email: "alice@example.test", Scope: "openid profile"}
	code := env.idp.Authorize(authorize.Query().Get("code_challenge"), id)

	callback := env.srv.URL + "/auth/callback?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(authorize.Query().Get("state"))
	resp, err = browser.Get(callback)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 from callback, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/me" {
		t.Fatalf("expected redirect to next, got %q", loc)
	}
	sc := findCookie(resp, env.app.Config.Cookies.Name)
	if sc == nil || !sc.HttpOnly || sc.MaxAge != DefaultCookieMaxAge || sc.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected session cookie %+v", sc)
	}

	for i := 0; i < 2; i++ {
		resp, err = browser.Get(env.srv.URL + "/api/me")
		if err != nil {
			t.Fatalf("me: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 from /api/me, got %d", resp.StatusCode)
		}
		var user client.User
		decodeBody(t, resp, &user)
		resp.Body.Close()
		if user.Subject != "user-123" || user.Username != "alice" || user.Role != "user" || user.Email != "alice@example.test" {
			t.Fatalf("unexpected user %+v", user)
		}
	}

	if got := env.idp.TokenCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one token exchange, got %d", got)
	}
}

func TestRefreshTrigger(t *testing.T) {
	env := newTestEnv(t, nil)
	id := providertest.Identity{Subject: "u-7", Username: "grace", Role: "admin"}
	s := client.Session{
		Tokens: client.Tokens{
			AccessToken:  "stale-access",
			RefreshToken: env.idp.IssueRefreshToken(id),
			ExpiresAt:    time.Now().Add(10 * time.Second).Unix(),
		},
		User: client.User{Subject: "u-7", Username: "grace", Role: "admin"},
	}

	resp := env.get(env.srv.URL+"/api/me", env.sessionCookie(s))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected refreshed request to succeed, got %d", resp.StatusCode)
	}
	sc := findCookie(resp, env.app.Config.Cookies.Name)
	if sc == nil {
		t.Fatalf("refresh must re-issue the session cookie")
	}
	refreshed := env.app.Client.DecodeSession(sc.Value)
	if refreshed == nil {
		t.Fatalf("re-issued cookie does not decode")
	}
	if refreshed.Tokens.AccessToken == "stale-access" {
		t.Fatalf("access token was not replaced")
	}
	if refreshed.Tokens.RefreshToken != s.Tokens.RefreshToken {
		t.Fatalf("unrotated refresh token must be kept")
	}
	if refreshed.Tokens.ExpiresAt < time.Now().Add(50*time.Minute).Unix() {
		t.Fatalf("expiry not extended: %d", refreshed.Tokens.ExpiresAt)
	}
	if refreshed.User.Subject != "u-7" || refreshed.User.Role != "admin" {
		t.Fatalf("unexpected refreshed user %+v", refreshed.User)
	}
	if env.idp.TokenCalls.Load() != 1 {
		t.Fatalf("expected a single refresh grant, got %d", env.idp.TokenCalls.Load())
	}
}

func TestRefreshOnRejectedAccessToken(t *testing.T) {
	env := newTestEnv(t, nil)
	id := providertest.Identity{Subject: "u-8"}
	s := client.Session{
		Tokens: client.Tokens{
			AccessToken:  "not-a-jwt",
			RefreshToken: env.idp.IssueRefreshToken(id),
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		},
		User: client.User{Subject: "u-8", Role: "user"},
	}

	resp := env.get(env.srv.URL+"/api/me", env.sessionCookie(s))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if findCookie(resp, env.app.Config.Cookies.Name) == nil {
		t.Fatalf("expected refreshed cookie")
	}
}

func TestValidSessionNotRefreshed(t *testing.T) {
	env := newTestEnv(t, nil)
	id := providertest.Identity{Subject: "u-9", Username: "ada"}
	s := client.Session{
		Tokens: client.Tokens{
			AccessToken:  env.idp.MintAccessToken(t, id, time.Hour),
			RefreshToken: "unused",
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		},
		User: client.User{Subject: "u-9", Username: "ada", Role: "user"},
	}

	resp := env.get(env.srv.URL+"/api/me", env.sessionCookie(s))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if findCookie(resp, env.app.Config.Cookies.Name) != nil {
		t.Fatalf("unchanged session must not be re-issued")
	}
	if env.idp.TokenCalls.Load() != 0 {
		t.Fatalf("valid session must not be refreshed")
	}
}

func TestRefreshFailureIsAnonymous(t *testing.T) {
	env := newTestEnv(t, nil)
	s := client.Session{
		Tokens: client.Tokens{AccessToken: "old", RefreshToken: "revoked", ExpiresAt: time.Now().Add(-time.Minute).Unix()},
		User:   client.User{Subject: "u-10", Role: "user"},
	}

	resp := env.get(env.srv.URL+"/api/me", env.sessionCookie(s))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after failed refresh, got %d", resp.StatusCode)
	}
	if c := findCookie(resp, env.app.Config.Cookies.Name); c == nil || c.MaxAge >= 0 {
		t.Fatalf("rejected refresh token should clear the session cookie, got %+v", c)
	}
}

func TestTamperedCookieIsAnonymous(t *testing.T) {
	env := newTestEnv(t, nil)
	s := client.Session{
		Tokens: client.Tokens{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		User:   client.User{Subject: "u-11", Role: "admin"},
	}
	c := env.sessionCookie(s)
	c.Value = strings.Replace(c.Value, ".", ".x", 1)

	resp := env.get(env.srv.URL+"/api/me", c)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tampered cookie must be anonymous, got %d", resp.StatusCode)
	}
}

func TestSSOTicketIngestion(t *testing.T) {
	env := newTestEnv(t, nil)
	page := env.guarded("")
	ticket := env.idp.IssueTicket(providertest.Identity{Subject: "u-20", Username: "hopper", Role: "admin"})

	resp := env.get(page.URL + "/dashboard?tab=2&_sso=" + ticket)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 after ticket ingestion, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/dashboard?tab=2" {
		t.Fatalf("ticket must be stripped from the url, got %q", loc)
	}
	sc := findCookie(resp, env.app.Config.Cookies.Name)
	if sc == nil {
		t.Fatalf("expected session cookie")
	}
	s := env.app.Client.DecodeSession(sc.Value)
	if s == nil || !s.Tokens.Synthetic() {
		t.Fatalf("expected synthetic session, got %+v", s)
	}

	cookie := &http.Cookie{Name: sc.Name, Value: sc.Value}
	for i := 0; i < 2; i++ {
		resp = env.get(page.URL+"/dashboard", cookie)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("sso session should authenticate, got %d", resp.StatusCode)
		}
		var user client.User
		decodeBody(t, resp, &user)
		if user.Subject != "u-20" || user.Role != "admin" {
			t.Fatalf("unexpected user %+v", user)
		}
	}
	if env.idp.TokenCalls.Load() != 0 || env.idp.JWKSCalls.Load() != 0 {
		t.Fatalf("sso sessions must not be refreshed or validated against the provider")
	}
	if env.idp.SSOCalls.Load() != 1 {
		t.Fatalf("expected one ticket validation, got %d", env.idp.SSOCalls.Load())
	}
}

func TestSSOTicketRejectedFallsThrough(t *testing.T) {
	env := newTestEnv(t, nil)
	page := env.guarded("")

	resp := env.get(page.URL + "/dashboard?_sso=bogus")
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected normal login redirect, got %d", resp.StatusCode)
	}
	if findCookie(resp, env.app.Config.Cookies.Name) != nil {
		t.Fatalf("no session may be created for a rejected ticket")
	}
}

func TestSSOSessionExpires(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	env := newTestEnv(t, nil, WithClock(clock))
	s := env.app.Client.NewSSOSession(client.User{Subject: "u-21", Role: "user"})
	cookie := env.sessionCookie(s)

	resp := env.get(env.srv.URL+"/api/me", cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 within sso lifetime, got %d", resp.StatusCode)
	}

	mu.Lock()
	now = now.Add(client.DefaultSSOSessionTTL + time.Minute)
	mu.Unlock()

	resp = env.get(env.srv.URL+"/api/me", cookie)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after sso lifetime, got %d", resp.StatusCode)
	}
	if env.idp.TokenCalls.Load() != 0 {
		t.Fatalf("expired sso session must not attempt a refresh")
	}
}

func TestLogoutRevokesAndClears(t *testing.T) {
	env := newTestEnv(t, nil)
	s := client.Session{
		Tokens: client.Tokens{AccessToken: "access-to-revoke", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		User:   client.User{Subject: "u-30", Role: "user"},
	}

	resp := env.get(env.srv.URL+"/auth/logout", env.sessionCookie(s))
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
		t.Fatalf("expected redirect to /, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if c := findCookie(resp, env.app.Config.Cookies.Name); c == nil || c.MaxAge >= 0 {
		t.Fatalf("session cookie should be cleared, got %+v", c)
	}
	if revoked := env.idp.Revoked(); len(revoked) != 1 || revoked[0] != "access-to-revoke" {
		t.Fatalf("expected access token revocation, got %v", revoked)
	}
}

func TestLogoutSurvivesProviderOutage(t *testing.T) {
	env := newTestEnv(t, nil)
	s := client.Session{
		Tokens: client.Tokens{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		User:   client.User{Subject: "u-31", Role: "user"},
	}
	env.idp.Server.Close()

	resp := env.get(env.srv.URL+"/auth/logout", env.sessionCookie(s))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("logout must succeed while the provider is down, got %d", resp.StatusCode)
	}
}

func TestCurrentUserWithoutMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)
	id := providertest.Identity{Subject: "u-40", PreferredUsername: "dora", Role: "user"}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	if _, err := env.app.Auth.CurrentUser(req); err != ErrAuthenticationRequired {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}

	forged := client.Session{
		Tokens: client.Tokens{AccessToken: "not-a-jwt", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		User:   client.User{Subject: "u-40", Role: "user"},
	}
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.AddCookie(env.sessionCookie(forged))
	if _, err := env.app.Auth.CurrentUser(req); err != ErrAuthenticationRequired {
		t.Fatalf("unverifiable access token must be rejected, got %v", err)
	}

	valid := client.Session{
		Tokens: client.Tokens{AccessToken: env.idp.MintAccessToken(t, id, time.Hour), RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		User:   client.User{Subject: "u-40", Role: "user"},
	}
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.AddCookie(env.sessionCookie(valid))
	user, err := env.app.Auth.CurrentUser(req)
	if err != nil || user.Subject != "u-40" {
		t.Fatalf("expected verified user, got %+v %v", user, err)
	}
	if env.idp.TokenCalls.Load() != 0 {
		t.Fatalf("CurrentUser must not refresh, got %d token calls", env.idp.TokenCalls.Load())
	}
}

func TestRequireUserOnPublicPathResolvesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	r := chi.NewRouter()
	r.Use(env.app.Auth.Middleware)
	r.With(env.app.Auth.RequireUser("admin")).Get("/health/admin", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	forged := client.Session{
		Tokens: client.Tokens{AccessToken: "not-a-jwt", RefreshToken: "bogus", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		User:   client.User{Subject: "u-41", Role: "admin"},
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health/admin", nil)
	req.Header.Set("Accept", "application/json")
	req.AddCookie(env.sessionCookie(forged))
	resp, err := noFollowClient(nil).Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged session on a public path must get 401, got %d", resp.StatusCode)
	}
	if c := findCookie(resp, env.app.Config.Cookies.Name); c == nil || c.MaxAge >= 0 {
		t.Fatalf("rejected refresh must clear the session cookie, got %+v", c)
	}

	id := providertest.Identity{Subject: "u-42", PreferredUsername: "erin", Role: "admin"}
	valid := client.Session{
		Tokens: client.Tokens{AccessToken: env.idp.MintAccessToken(t, id, time.Hour), RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		User:   client.User{Subject: "u-42", Username: "erin", Role: "admin"},
	}
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/health/admin", nil)
	req.AddCookie(env.sessionCookie(valid))
	resp, err = noFollowClient(nil).Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid admin session must pass, got %d", resp.StatusCode)
	}
}

func TestRequestLogIncludesSubject(t *testing.T) {
	env := newTestEnv(t, nil)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	id := providertest.Identity{Subject: "u-50"}
	s := client.Session{
		Tokens: client.Tokens{AccessToken: env.idp.MintAccessToken(t, id, time.Hour), RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		User:   client.User{Subject: "u-50", Role: "user"},
	}

	h := RequestIDMiddleware(LoggingMiddleware(logger)(env.app.Auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))))
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.AddCookie(env.sessionCookie(s))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "http_request" || entry["user_sub"] != "u-50" {
		t.Fatalf("unexpected log entry %v", entry)
	}
	if entry["request_id"] != rec.Header().Get("X-Request-ID") || entry["request_id"] == "" {
		t.Fatalf("request id not logged: %v", entry)
	}
	if entry["status"] != float64(http.StatusNoContent) {
		t.Fatalf("status not logged: %v", entry)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := RecoveryMiddleware(logger, true)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RequestIDFromContext(r.Context()) != "req-1" {
			t.Errorf("request id not on context")
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "req-1" {
		t.Fatalf("request id not echoed")
	}
}
