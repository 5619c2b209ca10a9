package client

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrProviderUnavailable wraps network failures, timeouts and 5xx replies
	// from the identity provider.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	// ErrInvalidGrant is returned when the provider rejects an authorization
	// code or refresh token.
	ErrInvalidGrant = errors.New("invalid grant")
	// ErrUnknownKeyID is returned when a token names a key the JWKS does not contain.
	ErrUnknownKeyID = errors.New("unknown key id")
	// ErrInvalidToken is returned when an access token fails signature or structural checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidTicket is returned when the provider does not accept an SSO ticket.
	ErrInvalidTicket = errors.New("invalid sso ticket")
)

// classifyTokenError maps token endpoint failures onto the package sentinels.
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s: %w: %s", op, ErrProviderUnavailable, re.Response.Status)
		}
		code := re.ErrorCode
		if code == "" && re.Response != nil {
			code = re.Response.Status
		}
		return fmt.Errorf("%s: %w: %s", op, ErrInvalidGrant, code)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrProviderUnavailable, err)
}
