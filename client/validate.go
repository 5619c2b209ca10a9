package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ValidateToken verifies an RS256 access token against the provider JWKS and
// returns its claims.
//
// The audience claim is intentionally not checked: the provider issues
// access tokens whose aud does not name this client, so trust rests on the
// issuer's signature alone.
func (c *Client) ValidateToken(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: token required", ErrInvalidToken)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return c.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// UserInfo fetches the user profile for accessToken from the userinfo endpoint.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (User, error) {
	ep, err := c.endpoints(ctx)
	if err != nil {
		return User{}, err
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	info, err := ep.provider.UserInfo(oidc.ClientContext(ctx, c.http), src)
	if err != nil {
		return User{}, fmt.Errorf("userinfo: %w: %v", ErrProviderUnavailable, err)
	}

	var claims Claims
	if err := info.Claims(&claims); err != nil {
		return User{}, fmt.Errorf("userinfo claims: %w", err)
	}
	return UserFromClaims(&claims), nil
}
