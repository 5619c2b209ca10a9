package client

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	verifierBytes = 64
	stateBytes    = 32
)

// PKCE is a one-time code verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE returns a fresh verifier built from 64 random bytes and its
// base64url (unpadded) SHA-256 challenge.
func GeneratePKCE() (PKCE, error) {
	verifier, err := randomToken(verifierBytes)
	if err != nil {
		return PKCE{}, err
	}
	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}, nil
}

// NewState returns a random CSRF state token.
func NewState() (string, error) {
	return randomToken(stateBytes)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
