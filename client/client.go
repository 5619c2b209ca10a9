// Package client implements the relying-party side of the OAuth 2.0 / OIDC
// authorization code flow against a single identity provider.
package client

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sessiongate/session"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultHTTPTimeout    = 10 * time.Second
	DefaultSSOTimeout     = 5 * time.Second
	DefaultJWKSCacheTTL   = time.Hour
	DefaultTokenLifetime  = time.Hour
	DefaultSessionMaxAge  = 90 * 24 * time.Hour
	DefaultLoginStateTTL  = 10 * time.Minute
	DefaultSSOSessionTTL  = 24 * time.Hour
	ssoValidatePath       = "/api/sso/validate"
	fallbackRevokePath    = "/oauth/revoke"
	fallbackJWKSPath      = "/oauth/jwks"
	fallbackUserinfoPath  = "/oauth/userinfo"
	wellKnownOpenIDConfig = "/.well-known/openid-configuration"
)

// Config configures the OAuth client.
type Config struct {
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	ProviderURL   string
	Scopes        []string
	SessionSecret string
	SessionMaxAge time.Duration

	HTTPTimeout        time.Duration
	SSOTimeout         time.Duration
	InsecureSkipVerify bool
	JWKSCacheTTL       time.Duration

	// HTTPClient overrides the client used for provider calls. SSO ticket
	// validation shares its transport but keeps SSOTimeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Client performs provider-facing protocol operations. It owns the
// discovery and JWKS caches and is safe for concurrent use.
type Client struct {
	cfg       Config
	http      *http.Client
	ssoHTTP   *http.Client
	logger    *slog.Logger
	now       func() time.Time
	sessions  *session.Codec
	keys      *keyCache
	discMu    sync.Mutex
	discovery atomic.Pointer[endpoints]
}

// New validates cfg and constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client id required")
	}
	if cfg.ProviderURL == "" {
		return nil, errors.New("provider url required")
	}
	cfg.ProviderURL = strings.TrimSuffix(cfg.ProviderURL, "/")
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.SSOTimeout <= 0 {
		cfg.SSOTimeout = DefaultSSOTimeout
	}
	if cfg.JWKSCacheTTL <= 0 {
		cfg.JWKSCacheTTL = DefaultJWKSCacheTTL
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = DefaultSessionMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	codec, err := session.NewCodec(cfg.SessionSecret, session.WithClock(cfg.Now))
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	var ssoClient *http.Client
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.HTTPTimeout, cfg.InsecureSkipVerify)
		ssoClient = newHTTPClient(cfg.SSOTimeout, cfg.InsecureSkipVerify)
	} else {
		sso := *httpClient
		sso.Timeout = cfg.SSOTimeout
		ssoClient = &sso
	}

	c := &Client{
		cfg:      cfg,
		http:     httpClient,
		ssoHTTP:  ssoClient,
		logger:   cfg.Logger,
		now:      cfg.Now,
		sessions: codec,
	}
	c.keys = newKeyCache(c, cfg.JWKSCacheTTL)
	return c, nil
}

// Close releases idle provider connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
	c.ssoHTTP.CloseIdleConnections()
}

func newHTTPClient(timeout time.Duration, insecure bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// EncodeSession signs s into a cookie value.
func (c *Client) EncodeSession(s Session) (string, error) {
	return c.sessions.Encode(s)
}

// DecodeSession verifies a session cookie value. Any failure, including
// tampering and expiry, yields nil.
func (c *Client) DecodeSession(raw string) *Session {
	var s Session
	if err := c.sessions.Decode(raw, c.cfg.SessionMaxAge, &s); err != nil {
		c.logger.Debug("session cookie rejected", "error", err)
		return nil
	}
	return &s
}

// EncodeLoginState signs the PKCE round-trip state.
func (c *Client) EncodeLoginState(ls LoginState) (string, error) {
	return c.sessions.Encode(ls)
}

// DecodeLoginState verifies a PKCE cookie value issued within DefaultLoginStateTTL.
func (c *Client) DecodeLoginState(raw string) (LoginState, error) {
	var ls LoginState
	if err := c.sessions.Decode(raw, DefaultLoginStateTTL, &ls); err != nil {
		return LoginState{}, err
	}
	return ls, nil
}
