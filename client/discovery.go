package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DiscoveryDocument holds the provider metadata this client relies on.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
}

// endpoints is the resolved, immutable view of discovery used for outbound calls.
type endpoints struct {
	doc        DiscoveryDocument
	token      string
	userinfo   string
	jwks       string
	revocation string
	oauth      *oauth2.Config
	provider   *oidc.Provider
}

// Discover returns the provider discovery document, fetching it on first use.
// The document is cached for the lifetime of the Client.
func (c *Client) Discover(ctx context.Context) (DiscoveryDocument, error) {
	ep, err := c.endpoints(ctx)
	if err != nil {
		return DiscoveryDocument{}, err
	}
	return ep.doc, nil
}

func (c *Client) endpoints(ctx context.Context) (*endpoints, error) {
	if ep := c.discovery.Load(); ep != nil {
		return ep, nil
	}

	c.discMu.Lock()
	defer c.discMu.Unlock()
	if ep := c.discovery.Load(); ep != nil {
		return ep, nil
	}

	ep, err := c.fetchDiscovery(ctx)
	if err != nil {
		return nil, err
	}
	c.discovery.Store(ep)
	return ep, nil
}

func (c *Client) fetchDiscovery(ctx context.Context) (*endpoints, error) {
	// The advertised issuer is the externally reachable host, which differs
	// from the provider URL used for back-channel calls.
	octx := oidc.InsecureIssuerURLContext(oidc.ClientContext(ctx, c.http), c.cfg.ProviderURL)
	op, err := oidc.NewProvider(octx, c.cfg.ProviderURL)
	if err != nil {
		return nil, fmt.Errorf("discover provider: %w: %v", ErrProviderUnavailable, err)
	}

	var doc DiscoveryDocument
	if err := op.Claims(&doc); err != nil {
		return nil, fmt.Errorf("parse discovery document: %w: %v", ErrProviderUnavailable, err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("discovery document incomplete: %w", ErrProviderUnavailable)
	}

	ep := &endpoints{
		doc:        doc,
		token:      c.internalURL(doc, doc.TokenEndpoint, ""),
		userinfo:   c.internalURL(doc, doc.UserinfoEndpoint, fallbackUserinfoPath),
		jwks:       c.internalURL(doc, doc.JWKSURI, fallbackJWKSPath),
		revocation: c.internalURL(doc, doc.RevocationEndpoint, fallbackRevokePath),
	}
	ep.oauth = &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURI,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			// The browser is sent here, so it keeps the external host.
			AuthURL:   doc.AuthorizationEndpoint,
			TokenURL:  ep.token,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	providerCfg := &oidc.ProviderConfig{
		IssuerURL:   doc.Issuer,
		AuthURL:     doc.AuthorizationEndpoint,
		TokenURL:    ep.token,
		UserInfoURL: ep.userinfo,
		JWKSURL:     ep.jwks,
		Algorithms:  []string{oidc.RS256},
	}
	ep.provider = providerCfg.NewProvider(oidc.ClientContext(context.Background(), c.http))

	c.logger.Debug("discovery cached",
		"issuer", doc.Issuer,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", ep.token,
	)
	return ep, nil
}

// internalURL rewrites an advertised endpoint so it targets the internally
// reachable provider host. Missing endpoints fall back to fallbackPath.
func (c *Client) internalURL(doc DiscoveryDocument, advertised, fallbackPath string) string {
	if advertised == "" {
		if fallbackPath == "" {
			return ""
		}
		return c.cfg.ProviderURL + fallbackPath
	}
	issuer := strings.TrimSuffix(doc.Issuer, "/")
	if issuer == "" {
		return advertised
	}
	return strings.Replace(advertised, issuer, c.cfg.ProviderURL, 1)
}
