package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sessiongate/client"
)

// refreshLeeway is how close to expiry an access token may get before the
// middleware refreshes it.
const refreshLeeway = 30 * time.Second

const authPrefix = "/auth"

// ErrStateMismatch is logged when the callback state does not match the PKCE cookie.
var ErrStateMismatch = errors.New("oauth state mismatch")

type requestStateKey struct{}

// requestState is the per-request resolution result shared with the guard.
type requestState struct {
	session *client.Session
}

// Authenticator resolves the session for each request and owns the /auth routes.
type Authenticator struct {
	client      *client.Client
	cookies     CookieConfig
	ssoParam    string
	publicPaths []string
	logger      *slog.Logger
	now         func() time.Time
}

// AuthenticatorOption customises an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithPublicPaths adds path prefixes that bypass authentication.
func WithPublicPaths(paths ...string) AuthenticatorOption {
	return func(a *Authenticator) {
		a.publicPaths = mergePaths(a.publicPaths, paths)
	}
}

// WithClock overrides the time source used for the refresh decision.
func WithClock(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		a.now = now
	}
}

// NewAuthenticator builds the request authenticator for cfg.
func NewAuthenticator(cfg Config, c *client.Client, logger *slog.Logger, opts ...AuthenticatorOption) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		client:      c,
		cookies:     cfg.Cookies,
		ssoParam:    cfg.Provider.SSOTicketParam,
		publicPaths: mergePaths(DefaultPublicPaths, cfg.PublicPaths),
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func mergePaths(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, p := range list {
			p = strings.TrimSuffix(p, "/")
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// PublicPaths returns the effective public path prefixes.
func (a *Authenticator) PublicPaths() []string {
	return append([]string(nil), a.publicPaths...)
}

func (a *Authenticator) bypass(path string) bool {
	if hasPathPrefix(path, authPrefix) {
		return true
	}
	for _, p := range a.publicPaths {
		if hasPathPrefix(path, p) {
			return true
		}
	}
	return false
}

// hasPathPrefix matches prefix on path segment boundaries.
func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Middleware resolves the session for every non-public request and attaches
// it to the request context. A refreshed session is written back as a cookie
// before the wrapped handler runs.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.bypass(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.ingestSSOTicket(w, r) {
			return
		}

		s := a.resolve(w, r)
		if s != nil {
			setLogSubject(r.Context(), s.User.Subject)
		}
		ctx := context.WithValue(r.Context(), requestStateKey{}, &requestState{session: s})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolve walks the session state machine for one request. It returns nil
// for anonymous requests.
func (a *Authenticator) resolve(w http.ResponseWriter, r *http.Request) *client.Session {
	s := a.sessionFromCookie(r)
	if s == nil {
		return nil
	}
	ctx := r.Context()
	now := a.now()

	if s.Tokens.Synthetic() {
		if now.Before(s.Tokens.Expiry()) {
			return s
		}
		a.logger.Debug("sso session expired", "sub", s.User.Subject)
		a.clearCookie(w, a.cookies.Name)
		return nil
	}

	if s.Tokens.Expiry().After(now.Add(refreshLeeway)) {
		_, err := a.client.ValidateToken(ctx, s.Tokens.AccessToken)
		if err == nil {
			return s
		}
		a.logger.Debug("access token rejected, refreshing", "sub", s.User.Subject, "error", err)
	}

	tokens, err := a.client.RefreshTokens(ctx, s.Tokens.RefreshToken)
	if err != nil {
		a.logger.Warn("session refresh failed", "sub", s.User.Subject, "error", err)
		if errors.Is(err, client.ErrInvalidGrant) {
			a.clearCookie(w, a.cookies.Name)
		}
		return nil
	}

	user := s.User
	if claims, err := a.client.ValidateToken(ctx, tokens.AccessToken); err == nil {
		user = client.UserFromClaims(claims)
	} else {
		a.logger.Debug("refreshed token not validated, keeping previous user", "sub", user.Subject, "error", err)
	}

	refreshed := &client.Session{Tokens: tokens, User: user}
	if err := a.setSessionCookie(w, *refreshed); err != nil {
		a.logger.Error("encode refreshed session", "error", err)
	}
	return refreshed
}

func (a *Authenticator) sessionFromCookie(r *http.Request) *client.Session {
	cookie, err := r.Cookie(a.cookies.Name)
	if err != nil || cookie.Value == "" {
		return nil
	}
	return a.client.DecodeSession(cookie.Value)
}

// ingestSSOTicket exchanges a one-time SSO ticket in the query string for a
// session and redirects to the URL without the ticket. It reports whether a
// response was written; every failure falls through to the cookie check.
func (a *Authenticator) ingestSSOTicket(w http.ResponseWriter, r *http.Request) bool {
	if a.ssoParam == "" {
		return false
	}
	query := r.URL.Query()
	ticket := query.Get(a.ssoParam)
	if ticket == "" {
		return false
	}
	if s := a.sessionFromCookie(r); s != nil && a.now().Before(s.Tokens.Expiry()) {
		return false
	}

	user, err := a.client.ValidateSSOTicket(r.Context(), ticket)
	if err != nil {
		a.logger.Warn("sso ticket rejected", "error", err)
		return false
	}
	if err := a.setSessionCookie(w, a.client.NewSSOSession(user)); err != nil {
		a.logger.Error("encode sso session", "error", err)
		return false
	}
	setLogSubject(r.Context(), user.Subject)

	query.Del(a.ssoParam)
	cleaned := *r.URL
	cleaned.RawQuery = query.Encode()
	http.Redirect(w, r, cleaned.RequestURI(), http.StatusFound)
	return true
}

// Routes returns the /auth sub-router.
func (a *Authenticator) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Get("/logout", a.handleLogout)
	return r
}

func (a *Authenticator) handleLogin(w http.ResponseWriter, r *http.Request) {
	next := sanitizeNext(r.URL.Query().Get("next"))

	pkce, err := client.GeneratePKCE()
	if err != nil {
		a.logger.Error("generate pkce", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	state, err := client.NewState()
	if err != nil {
		a.logger.Error("generate state", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	loginURL, err := a.client.LoginURL(r.Context(), state, pkce.Challenge)
	if err != nil {
		a.logger.Error("build login url", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "identity provider unavailable"})
		return
	}

	value, err := a.client.EncodeLoginState(client.LoginState{Verifier: pkce.Verifier, State: state, Next: next})
	if err != nil {
		a.logger.Error("encode login state", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	http.SetCookie(w, a.cookie(a.cookies.PKCEName, value, int(client.DefaultLoginStateTTL/time.Second)))
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (a *Authenticator) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if oauthErr := q.Get("error"); oauthErr != "" {
		a.logger.Warn("authorization failed at provider", "error", oauthErr, "description", q.Get("error_description"))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": oauthErr})
		return
	}

	cookie, err := r.Cookie(a.cookies.PKCEName)
	if err != nil || cookie.Value == "" {
		a.logger.Info("callback without login state, restarting login")
		http.Redirect(w, r, authPrefix+"/login", http.StatusFound)
		return
	}
	ls, err := a.client.DecodeLoginState(cookie.Value)
	if err != nil || subtle.ConstantTimeCompare([]byte(ls.State), []byte(q.Get("state"))) != 1 {
		if err == nil {
			err = ErrStateMismatch
		}
		a.logger.Info("login state rejected, restarting login", "error", err)
		a.clearCookie(w, a.cookies.PKCEName)
		http.Redirect(w, r, authPrefix+"/login", http.StatusFound)
		return
	}

	tokens, err := a.client.ExchangeCode(r.Context(), q.Get("code"), ls.Verifier)
	if err != nil {
		a.logger.Warn("code exchange failed", "error", err)
		a.clearCookie(w, a.cookies.PKCEName)
		if errors.Is(err, client.ErrInvalidGrant) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "identity provider unavailable"})
		return
	}

	user, err := a.userForTokens(r.Context(), tokens)
	if err != nil {
		a.logger.Warn("resolve user failed", "error", err)
		a.clearCookie(w, a.cookies.PKCEName)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "identity provider unavailable"})
		return
	}

	if err := a.setSessionCookie(w, client.Session{Tokens: tokens, User: user}); err != nil {
		a.logger.Error("encode session", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	a.clearCookie(w, a.cookies.PKCEName)
	setLogSubject(r.Context(), user.Subject)
	a.logger.Info("login completed", "sub", user.Subject, "username", user.Username)
	http.Redirect(w, r, sanitizeNext(ls.Next), http.StatusFound)
}

// userForTokens prefers verified access token claims and falls back to userinfo.
func (a *Authenticator) userForTokens(ctx context.Context, tokens client.Tokens) (client.User, error) {
	claims, err := a.client.ValidateToken(ctx, tokens.AccessToken)
	if err == nil {
		return client.UserFromClaims(claims), nil
	}
	a.logger.Debug("access token not validated, using userinfo", "error", err)
	return a.client.UserInfo(ctx, tokens.AccessToken)
}

func (a *Authenticator) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s := a.sessionFromCookie(r); s != nil {
		if !s.Tokens.Synthetic() {
			a.client.RevokeToken(r.Context(), s.Tokens.AccessToken)
		}
		a.logger.Info("logout", "sub", s.User.Subject)
	}
	a.clearCookie(w, a.cookies.Name)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *Authenticator) setSessionCookie(w http.ResponseWriter, s client.Session) error {
	value, err := a.client.EncodeSession(s)
	if err != nil {
		return err
	}
	http.SetCookie(w, a.cookie(a.cookies.Name, value, a.cookies.MaxAge))
	return nil
}

func (a *Authenticator) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, a.cookie(name, "", -1))
}

func (a *Authenticator) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.cookies.Secure,
		SameSite: a.cookies.SameSiteMode(),
	}
}

// sanitizeNext only allows local absolute paths as post-login targets.
func sanitizeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}
