// Package providertest runs an in-process identity provider for tests. It
// serves discovery, token, JWKS, userinfo, revocation and SSO ticket endpoints.
package providertest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ExternalIssuer is the issuer the provider advertises. It is not routable;
// clients must rewrite it to the test server URL.
const ExternalIssuer = "https://id.example.test"

// Identity describes the user a grant or ticket resolves to.
type Identity struct {
	Subject           string
	Username          string
	PreferredUsername string
	Role              string
	Email             string
	Scope             string
}

type grant struct {
	identity  Identity
	challenge string
}

// Provider is a stub OIDC provider backed by httptest.Server.
type Provider struct {
	Server       *httptest.Server
	ClientID     string
	ClientSecret string
	Key          *rsa.PrivateKey
	KID          string

	// ExpiresIn is returned as expires_in; zero omits the field.
	ExpiresIn int64
	// RotateRefresh issues a new refresh token on every refresh grant.
	RotateRefresh bool
	// JWKSDelay slows JWKS responses so concurrent callers overlap.
	JWKSDelay time.Duration
	// OmitOptionalEndpoints drops userinfo, jwks and revocation from discovery.
	OmitOptionalEndpoints bool

	DiscoveryCalls atomic.Int64
	TokenCalls     atomic.Int64
	JWKSCalls      atomic.Int64
	UserinfoCalls  atomic.Int64
	RevokeCalls    atomic.Int64
	SSOCalls       atomic.Int64

	mu       sync.Mutex
	codes    map[string]grant
	refresh  map[string]Identity
	access   map[string]Identity
	tickets  map[string]Identity
	revoked  []string
	failNext int
}

// New starts a provider and registers its shutdown with t.
func New(t testing.TB) *Provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := &Provider{
		ClientID:     "ledger",
		ClientSecret: "ledger-secret",
		Key:          key,
		KID:          "kid-1",
		ExpiresIn:    3600,
		codes:        make(map[string]grant),
		refresh:      make(map[string]Identity),
		access:       make(map[string]Identity),
		tickets:      make(map[string]Identity),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/oauth/token", p.handleToken)
	mux.HandleFunc("/oauth/jwks", p.handleJWKS)
	mux.HandleFunc("/oauth/userinfo", p.handleUserinfo)
	mux.HandleFunc("/oauth/revoke", p.handleRevoke)
	mux.HandleFunc("/api/sso/validate", p.handleSSO)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// URL is the internally reachable provider base URL.
func (p *Provider) URL() string {
	return p.Server.URL
}

// Authorize simulates the browser leg: it records a grant for challenge and
// returns the authorization code the provider would redirect back with.
func (p *Provider) Authorize(challenge string, id Identity) string {
	code := randomHex(12)
	p.mu.Lock()
	p.codes[code] = grant{identity: id, challenge: challenge}
	p.mu.Unlock()
	return code
}

// IssueTicket registers a one-time SSO ticket for id.
func (p *Provider) IssueTicket(id Identity) string {
	ticket := randomHex(12)
	p.mu.Lock()
	p.tickets[ticket] = id
	p.mu.Unlock()
	return ticket
}

// IssueRefreshToken registers a refresh token for id without running a login.
func (p *Provider) IssueRefreshToken(id Identity) string {
	rt := randomHex(16)
	p.mu.Lock()
	p.refresh[rt] = id
	p.mu.Unlock()
	return rt
}

// FailNextTokenRequests makes the next n token endpoint calls return 503.
func (p *Provider) FailNextTokenRequests(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

// Revoked returns the tokens posted to the revocation endpoint.
func (p *Provider) Revoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.revoked...)
}

// MintAccessToken signs an access token for id with the provider key.
func (p *Provider) MintAccessToken(t testing.TB, id Identity, ttl time.Duration) string {
	t.Helper()
	token, err := p.mint(id, ttl, p.Key, p.KID)
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}
	return token
}

// MintWithKey signs an access token for id with an arbitrary key and kid.
func (p *Provider) MintWithKey(t testing.TB, id Identity, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	token, err := p.mint(id, time.Hour, key, kid)
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}
	return token
}

func (p *Provider) mint(id Identity, ttl time.Duration, key *rsa.PrivateKey, kid string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": ExternalIssuer,
		"sub": id.Subject,
		"aud": "some-other-audience",
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if id.Username != "" {
		claims["username"] = id.Username
	}
	if id.PreferredUsername != "" {
		claims["preferred_username"] = id.PreferredUsername
	}
	if id.Role != "" {
		claims["role"] = id.Role
	}
	if id.Email != "" {
		claims["email"] = id.Email
	}
	if id.Scope != "" {
		claims["scope"] = id.Scope
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.access[signed] = id
	p.mu.Unlock()
	return signed, nil
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.DiscoveryCalls.Add(1)
	doc := map[string]any{
		"issuer":                           ExternalIssuer,
		"authorization_endpoint":           ExternalIssuer + "/oauth/authorize",
		"token_endpoint":                   ExternalIssuer + "/oauth/token",
		"response_types_supported":         []string{"code"},
		"code_challenge_methods_supported": []string{"S256"},
	}
	if !p.OmitOptionalEndpoints {
		doc["userinfo_endpoint"] = ExternalIssuer + "/oauth/userinfo"
		doc["jwks_uri"] = ExternalIssuer + "/oauth/jwks"
		doc["revocation_endpoint"] = ExternalIssuer + "/oauth/revoke"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.TokenCalls.Add(1)
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	p.mu.Lock()
	if p.failNext > 0 {
		p.failNext--
		p.mu.Unlock()
		tokenError(w, http.StatusServiceUnavailable, "temporarily_unavailable")
		return
	}
	p.mu.Unlock()

	if r.PostForm.Get("client_id") != p.ClientID || r.PostForm.Get("client_secret") != p.ClientSecret {
		tokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	var id Identity
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.mu.Lock()
		g, ok := p.codes[r.PostForm.Get("code")]
		delete(p.codes, r.PostForm.Get("code"))
		p.mu.Unlock()
		if !ok || oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != g.challenge {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		id = g.identity
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		p.mu.Lock()
		found, ok := p.refresh[rt]
		if ok && p.RotateRefresh {
			delete(p.refresh, rt)
		}
		p.mu.Unlock()
		if !ok {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		id = found
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	access, err := p.mint(id, time.Hour, p.Key, p.KID)
	if err != nil {
		tokenError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
	}
	if p.ExpiresIn > 0 {
		resp["expires_in"] = p.ExpiresIn
	}
	if r.PostForm.Get("grant_type") == "authorization_code" || p.RotateRefresh {
		resp["refresh_token"] = p.IssueRefreshToken(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.JWKSCalls.Add(1)
	if p.JWKSDelay > 0 {
		time.Sleep(p.JWKSDelay)
	}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.Key.PublicKey,
		KeyID:     p.KID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	writeJSON(w, http.StatusOK, set)
}

func (p *Provider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	p.UserinfoCalls.Add(1)
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	id, ok := p.access[token]
	p.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body := map[string]any{"sub": id.Subject}
	if id.Username != "" {
		body["username"] = id.Username
	}
	if id.PreferredUsername != "" {
		body["preferred_username"] = id.PreferredUsername
	}
	if id.Role != "" {
		body["role"] = id.Role
	}
	if id.Email != "" {
		body["email"] = id.Email
	}
	if id.Scope != "" {
		body["scope"] = id.Scope
	}
	writeJSON(w, http.StatusOK, body)
}

func (p *Provider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	p.RevokeCalls.Add(1)
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.revoked = append(p.revoked, r.PostForm.Get("token"))
	p.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (p *Provider) handleSSO(w http.ResponseWriter, r *http.Request) {
	p.SSOCalls.Add(1)
	var body struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	id, ok := p.tickets[body.Ticket]
	delete(p.tickets, body.Ticket)
	p.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"user": map[string]any{
			"sub":      id.Subject,
			"username": id.Username,
			"role":     id.Role,
			"email":    id.Email,
		},
	})
}

func tokenError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:n*2]
	}
	return hex.EncodeToString(buf)
}
