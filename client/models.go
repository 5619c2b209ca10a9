package client

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SyntheticToken is the opaque token value placed in sessions created from an
// SSO ticket. The provider never issued it, so it is neither validated nor refreshed.
const SyntheticToken = "sso-ticket-auth"

// DefaultRole is assigned when the provider does not report one.
const DefaultRole = "user"

// Tokens is the token set owned by a single Session.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Expiry returns the access token expiry as a time.
func (t Tokens) Expiry() time.Time {
	return time.Unix(t.ExpiresAt, 0)
}

// Synthetic reports whether the tokens were fabricated from an SSO ticket.
func (t Tokens) Synthetic() bool {
	return t.AccessToken == SyntheticToken
}

// User is the authenticated identity exposed to the business application.
type User struct {
	Subject  string `json:"sub"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Email    string `json:"email,omitempty"`
	Scope    string `json:"scope"`
}

// Session pairs tokens with the user they were issued for. It is the unit
// that is signed into the session cookie.
type Session struct {
	Tokens Tokens `json:"tokens"`
	User   User   `json:"user"`
}

// LoginState is carried in the short-lived PKCE cookie between /auth/login
// and /auth/callback.
type LoginState struct {
	Verifier string `json:"verifier"`
	State    string `json:"state"`
	Next     string `json:"next"`
}

// Claims is the typed view of an access token or userinfo response.
type Claims struct {
	Username          string `json:"username,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Role              string `json:"role,omitempty"`
	Email             string `json:"email,omitempty"`
	Scope             string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// UserFromClaims maps verified claims into a User.
func UserFromClaims(c *Claims) User {
	username := c.Username
	if username == "" {
		username = c.PreferredUsername
	}
	role := c.Role
	if role == "" {
		role = DefaultRole
	}
	return User{
		Subject:  c.Subject,
		Username: username,
		Role:     role,
		Email:    c.Email,
		Scope:    c.Scope,
	}
}
