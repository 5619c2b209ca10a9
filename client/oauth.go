package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// LoginURL builds the authorization endpoint URL for a PKCE login. It only
// needs the cached discovery document.
func (c *Client) LoginURL(ctx context.Context, state, challenge string) (string, error) {
	ep, err := c.endpoints(ctx)
	if err != nil {
		return "", err
	}
	return ep.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}

// ExchangeCode redeems an authorization code using the PKCE verifier.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (Tokens, error) {
	ep, err := c.endpoints(ctx)
	if err != nil {
		return Tokens{}, err
	}
	tok, err := ep.oauth.Exchange(c.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Tokens{}, classifyTokenError("exchange code", err)
	}
	return c.tokensFrom(tok, ""), nil
}

// RefreshTokens runs a refresh_token grant. The previous refresh token is
// kept when the provider does not rotate it.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (Tokens, error) {
	if refreshToken == "" {
		return Tokens{}, fmt.Errorf("refresh token: %w: no refresh token", ErrInvalidGrant)
	}
	ep, err := c.endpoints(ctx)
	if err != nil {
		return Tokens{}, err
	}
	tok, err := ep.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Tokens{}, classifyTokenError("refresh token", err)
	}
	return c.tokensFrom(tok, refreshToken), nil
}

// RevokeToken asks the provider to revoke token. Failures are logged and
// otherwise ignored.
func (c *Client) RevokeToken(ctx context.Context, token string) {
	revokeURL := c.cfg.ProviderURL + fallbackRevokePath
	if ep, err := c.endpoints(ctx); err == nil {
		revokeURL = ep.revocation
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		c.logger.Warn("token revocation failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("token revocation failed", "url", revokeURL, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("token revocation rejected", "url", revokeURL, "status", resp.StatusCode)
	}
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func (c *Client) tokensFrom(tok *oauth2.Token, previousRefresh string) Tokens {
	out := Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    c.now().Add(expiresIn(tok)).Unix(),
	}
	if out.RefreshToken == "" {
		out.RefreshToken = previousRefresh
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = idToken
	}
	return out
}

// expiresIn reads the provider supplied lifetime, defaulting to one hour.
func expiresIn(tok *oauth2.Token) time.Duration {
	var secs int64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		secs = int64(v)
	case json.Number:
		secs, _ = v.Int64()
	case string:
		secs, _ = strconv.ParseInt(v, 10, 64)
	}
	if secs <= 0 {
		return DefaultTokenLifetime
	}
	return time.Duration(secs) * time.Second
}

// ValidateSSOTicket exchanges a one-time SSO ticket for the identity it proves.
func (c *Client) ValidateSSOTicket(ctx context.Context, ticket string) (User, error) {
	body, err := json.Marshal(map[string]string{"ticket": ticket})
	if err != nil {
		return User{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ProviderURL+ssoValidatePath, bytes.NewReader(body))
	if err != nil {
		return User{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.ssoHTTP.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("validate sso ticket: %w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return User{}, fmt.Errorf("validate sso ticket: %w: %s", ErrInvalidTicket, resp.Status)
	}

	var payload struct {
		Valid bool `json:"valid"`
		User  struct {
			Subject  string `json:"sub"`
			Username string `json:"username"`
			Role     string `json:"role"`
			Email    string `json:"email"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return User{}, fmt.Errorf("decode sso response: %w", err)
	}
	if !payload.Valid || payload.User.Subject == "" {
		return User{}, ErrInvalidTicket
	}

	role := payload.User.Role
	if role == "" {
		role = DefaultRole
	}
	return User{
		Subject:  payload.User.Subject,
		Username: payload.User.Username,
		Role:     role,
		Email:    payload.User.Email,
		Scope:    strings.Join(c.cfg.Scopes, " "),
	}, nil
}

// NewSSOSession fabricates a session for a user proven by an SSO ticket.
func (c *Client) NewSSOSession(user User) Session {
	return Session{
		Tokens: Tokens{
			AccessToken:  SyntheticToken,
			RefreshToken: SyntheticToken,
			ExpiresAt:    c.now().Add(DefaultSSOSessionTTL).Unix(),
		},
		User: user,
	}
}
