// Package session signs and verifies the opaque, time-limited strings that
// carry authenticated state in browser cookies.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidSignature reports a value that was not produced by this codec's secret
	// or was modified after signing.
	ErrInvalidSignature = errors.New("session: invalid signature")
	// ErrExpired reports a value whose issue time is older than the allowed age.
	ErrExpired = errors.New("session: signature expired")
)

type payloadClaims struct {
	Data json.RawMessage `json:"dat"`
	jwt.RegisteredClaims
}

// Codec serializes values into signed, URL-safe strings with an embedded issue time.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// Option customises a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for issuing and verifying values.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec builds a codec keyed by secret.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("session: signing secret required")
	}
	c := &Codec{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encode signs v (marshalled as JSON) together with the current time.
func (c *Codec) Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal session payload: %w", err)
	}
	claims := payloadClaims{
		Data: data,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(c.now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session payload: %w", err)
	}
	return signed, nil
}

// Decode verifies raw and unmarshals its payload into v. Values issued more
// than maxAge ago are rejected with ErrExpired.
func (c *Codec) Decode(raw string, maxAge time.Duration, v any) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
	)

	var claims payloadClaims
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.IssuedAt == nil {
		return fmt.Errorf("%w: issue time missing", ErrInvalidSignature)
	}
	if c.now().Sub(claims.IssuedAt.Time) > maxAge {
		return ErrExpired
	}
	if err := json.Unmarshal(claims.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
