package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"sessiongate/client"
)

var (
	// ErrAuthenticationRequired is returned by CurrentUser for anonymous requests.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrInsufficientRole is returned when the user lacks the required role.
	ErrInsufficientRole = errors.New("insufficient role")
)

type userKey struct{}

// CurrentUser returns the authenticated user for r. It reuses the session
// resolved by Middleware. Without one it re-checks the access token against
// the provider keys; it has no writer for a re-issued cookie, so it never
// refreshes and a session due for refresh counts as anonymous.
func (a *Authenticator) CurrentUser(r *http.Request) (client.User, error) {
	if st, ok := stateFromRequest(r); ok {
		if st.session == nil {
			return client.User{}, ErrAuthenticationRequired
		}
		return st.session.User, nil
	}

	s := a.verifiedSession(r)
	if s == nil {
		return client.User{}, ErrAuthenticationRequired
	}
	return s.User, nil
}

// verifiedSession decodes the cookie and accepts it only while the access
// token is unexpired and, unless synthetic, still validates.
func (a *Authenticator) verifiedSession(r *http.Request) *client.Session {
	s := a.sessionFromCookie(r)
	if s == nil || !a.now().Before(s.Tokens.Expiry()) {
		return nil
	}
	if s.Tokens.Synthetic() {
		return s
	}
	if _, err := a.client.ValidateToken(r.Context(), s.Tokens.AccessToken); err != nil {
		a.logger.Debug("session rejected outside middleware", "sub", s.User.Subject, "error", err)
		return nil
	}
	return s
}

func stateFromRequest(r *http.Request) (*requestState, bool) {
	st, ok := r.Context().Value(requestStateKey{}).(*requestState)
	return st, ok
}

// Authorize checks that r is authenticated and, when role is non-empty, that
// the user holds exactly that role.
func (a *Authenticator) Authorize(r *http.Request, role string) (client.User, error) {
	user, err := a.CurrentUser(r)
	if err != nil {
		return client.User{}, err
	}
	if role != "" && user.Role != role {
		return client.User{}, ErrInsufficientRole
	}
	return user, nil
}

// RequireUser returns middleware that admits authenticated users with the
// given role (any role when empty). Anonymous API callers get 401, browsers
// are redirected to the login route, and role mismatches get 403.
func (a *Authenticator) RequireUser(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Paths Middleware skipped get the full session walk here.
			if _, ok := stateFromRequest(r); !ok {
				s := a.resolve(w, r)
				if s != nil {
					setLogSubject(r.Context(), s.User.Subject)
				}
				r = r.WithContext(context.WithValue(r.Context(), requestStateKey{}, &requestState{session: s}))
			}
			user, err := a.Authorize(r, role)
			switch {
			case errors.Is(err, ErrInsufficientRole):
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Insufficient permissions"})
				return
			case err != nil:
				if wantsJSON(r) {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
					return
				}
				target := authPrefix + "/login?next=" + url.QueryEscape(r.URL.Path)
				http.Redirect(w, r, target, http.StatusTemporaryRedirect)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextWithUser(r, user)))
		})
	}
}

// UserFromRequest returns the user admitted by RequireUser.
func UserFromRequest(r *http.Request) (client.User, bool) {
	user, ok := r.Context().Value(userKey{}).(client.User)
	return user, ok
}

func contextWithUser(r *http.Request, user client.User) context.Context {
	return context.WithValue(r.Context(), userKey{}, user)
}

// wantsJSON reports whether the caller expects a structured error rather than a redirect.
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") || strings.HasPrefix(r.URL.Path, "/api/")
}
