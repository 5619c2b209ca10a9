package server

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sessiongate/client"
)

// Hardcoded cookie and provider defaults
const (
	DefaultProviderURL     = "https://localhost:9100"
	DefaultCookieName      = "tc_app_session"
	DefaultPKCECookieName  = "tc_pkce"
	DefaultCookieMaxAge    = 7776000
	DefaultSSOTicketParam  = "_sso"
	DefaultProviderTimeout = "10s"
	DefaultHSTSMaxAge      = 31536000
)

// DefaultPublicPaths are reachable without a session.
var DefaultPublicPaths = []string{"/health", "/api/version"}

// DefaultScopes are requested when the config names none.
var DefaultScopes = []string{"openid", "profile"}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server      ServerConfig   `yaml:"server"`
	Client      ClientConfig   `yaml:"client"`
	Provider    ProviderConfig `yaml:"provider"`
	Cookies     CookieConfig   `yaml:"cookies"`
	PublicPaths []string       `yaml:"public_paths"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ClientConfig holds the OAuth client registration at the identity provider.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
}

// ProviderConfig locates the identity provider on the internal network.
type ProviderConfig struct {
	URL                string `yaml:"url"`
	Timeout            string `yaml:"timeout"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	SSOTicketParam     string `yaml:"sso_ticket_param"`
}

// CookieConfig is the policy for the session and PKCE cookies.
type CookieConfig struct {
	Name     string `yaml:"name"`
	MaxAge   int    `yaml:"max_age"`
	Secure   bool   `yaml:"secure"`
	SameSite string `yaml:"same_site"`
	PKCEName string `yaml:"pkce_name"`
	Secret   string `yaml:"secret"`
}

// ConfigError reports a configuration problem that prevents startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DevListenAddr:   "127.0.0.1:8000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".autocert",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Client: ClientConfig{
			Scopes: append([]string(nil), DefaultScopes...),
		},
		Provider: ProviderConfig{
			URL:            DefaultProviderURL,
			Timeout:        DefaultProviderTimeout,
			SSOTicketParam: DefaultSSOTicketParam,
		},
		Cookies: CookieConfig{
			Name:     DefaultCookieName,
			MaxAge:   DefaultCookieMaxAge,
			Secure:   true,
			SameSite: "lax",
			PKCEName: DefaultPKCECookieName,
		},
		PublicPaths: append([]string(nil), DefaultPublicPaths...),
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SESSIONGATE_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SESSIONGATE_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"SESSIONGATE_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"SESSIONGATE_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"SESSIONGATE_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SESSIONGATE_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"SESSIONGATE_CLIENT_ID":                func(v string) { cfg.Client.ClientID = v },
		"SESSIONGATE_CLIENT_SECRET":            func(v string) { cfg.Client.ClientSecret = v },
		"SESSIONGATE_CLIENT_REDIRECT_URI":      func(v string) { cfg.Client.RedirectURI = v },
		"SESSIONGATE_CLIENT_SCOPES":            func(v string) { cfg.Client.Scopes = splitAndTrim(v) },
		"SESSIONGATE_PROVIDER_URL":             func(v string) { cfg.Provider.URL = v },
		"SESSIONGATE_PROVIDER_TIMEOUT":         func(v string) { cfg.Provider.Timeout = v },
		"SESSIONGATE_PROVIDER_INSECURE_SKIP_VERIFY": func(v string) {
			cfg.Provider.InsecureSkipVerify = parseBool(v, cfg.Provider.InsecureSkipVerify)
		},
		"SESSIONGATE_COOKIE_NAME":      func(v string) { cfg.Cookies.Name = v },
		"SESSIONGATE_COOKIE_SECURE":    func(v string) { cfg.Cookies.Secure = parseBool(v, cfg.Cookies.Secure) },
		"SESSIONGATE_COOKIE_SAME_SITE": func(v string) { cfg.Cookies.SameSite = v },
		"SESSIONGATE_COOKIE_MAX_AGE":   func(v string) { cfg.Cookies.MaxAge = parseInt(v, cfg.Cookies.MaxAge) },
		"SESSIONGATE_COOKIE_SECRET":    func(v string) { cfg.Cookies.Secret = v },
		"SESSIONGATE_PUBLIC_PATHS":     func(v string) { cfg.PublicPaths = splitAndTrim(v) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// normalize fills derived values once at load time. The result is not
// mutated afterwards.
func (c *Config) normalize() error {
	c.Provider.URL = strings.TrimSuffix(c.Provider.URL, "/")
	if len(c.Client.Scopes) == 0 {
		c.Client.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.Cookies.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return fmt.Errorf("generate session secret: %w", err)
		}
		c.Cookies.Secret = secret
		slog.Warn("No session secret configured, generated an ephemeral one; sessions will not survive a restart",
			"field", "cookies.secret")
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config. Every failure is a *ConfigError.
func (c Config) Validate() error {
	if c.Client.ClientID == "" {
		slog.Error("Missing required configuration", "field", "client.client_id")
		return &ConfigError{Field: "client.client_id", Reason: "is required"}
	}
	if c.Client.ClientSecret == "" {
		slog.Error("Missing required configuration", "field", "client.client_secret")
		return &ConfigError{Field: "client.client_secret", Reason: "is required"}
	}
	if c.Client.RedirectURI == "" {
		slog.Error("Missing required configuration", "field", "client.redirect_uri")
		return &ConfigError{Field: "client.redirect_uri", Reason: "is required"}
	}
	if !isHTTPURL(c.Client.RedirectURI) {
		slog.Error("Invalid configuration value", "field", "client.redirect_uri", "value", c.Client.RedirectURI, "reason", "must be a valid HTTP(S) URL")
		return &ConfigError{Field: "client.redirect_uri", Reason: fmt.Sprintf("must start with http:// or https://, got: %s", c.Client.RedirectURI)}
	}
	if !isHTTPURL(c.Provider.URL) {
		slog.Error("Invalid configuration value", "field", "provider.url", "value", c.Provider.URL, "reason", "must be a valid HTTP(S) URL")
		return &ConfigError{Field: "provider.url", Reason: fmt.Sprintf("must start with http:// or https://, got: %q", c.Provider.URL)}
	}
	if c.Provider.Timeout != "" {
		if _, err := time.ParseDuration(c.Provider.Timeout); err != nil {
			slog.Error("Invalid provider timeout", "field", "provider.timeout", "value", c.Provider.Timeout, "error", err)
			return &ConfigError{Field: "provider.timeout", Reason: fmt.Sprintf("invalid duration %q", c.Provider.Timeout)}
		}
	}
	if c.Cookies.Name == "" || c.Cookies.PKCEName == "" {
		slog.Error("Missing required configuration", "field", "cookies.name")
		return &ConfigError{Field: "cookies.name", Reason: "session and pkce cookie names are required"}
	}
	if c.Cookies.Name == c.Cookies.PKCEName {
		return &ConfigError{Field: "cookies.pkce_name", Reason: "must differ from cookies.name"}
	}
	if c.Cookies.MaxAge <= 0 {
		slog.Error("Invalid configuration value", "field", "cookies.max_age", "value", c.Cookies.MaxAge)
		return &ConfigError{Field: "cookies.max_age", Reason: "must be positive"}
	}
	if _, ok := parseSameSite(c.Cookies.SameSite); !ok {
		slog.Error("Invalid configuration value", "field", "cookies.same_site", "value", c.Cookies.SameSite, "valid_values", []string{"lax", "strict", "none"})
		return &ConfigError{Field: "cookies.same_site", Reason: fmt.Sprintf("must be lax, strict or none, got: %s", c.Cookies.SameSite)}
	}
	if strings.EqualFold(c.Cookies.SameSite, "none") && !c.Cookies.Secure {
		return &ConfigError{Field: "cookies.same_site", Reason: "none requires cookies.secure"}
	}
	if c.Cookies.Secret == "" {
		return &ConfigError{Field: "cookies.secret", Reason: "is required"}
	}
	for i, p := range c.PublicPaths {
		if !strings.HasPrefix(p, "/") {
			slog.Error("Invalid public path", "index", i, "value", p, "reason", "must start with /")
			return &ConfigError{Field: fmt.Sprintf("public_paths[%d]", i), Reason: "must start with /"}
		}
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return &ConfigError{Field: "server.tls.domains", Reason: "must be provided in production"}
	}

	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func parseSameSite(v string) (http.SameSite, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "lax", "":
		return http.SameSiteLaxMode, true
	case "strict":
		return http.SameSiteStrictMode, true
	case "none":
		return http.SameSiteNoneMode, true
	default:
		return http.SameSiteDefaultMode, false
	}
}

// SameSiteMode returns the parsed SameSite attribute for both cookies.
func (c CookieConfig) SameSiteMode() http.SameSite {
	mode, _ := parseSameSite(c.SameSite)
	return mode
}

// ClientOptions builds the provider client configuration.
func (c Config) ClientOptions(logger *slog.Logger) client.Config {
	return client.Config{
		ClientID:           c.Client.ClientID,
		ClientSecret:       c.Client.ClientSecret,
		RedirectURI:        c.Client.RedirectURI,
		ProviderURL:        c.Provider.URL,
		Scopes:             c.Client.Scopes,
		SessionSecret:      c.Cookies.Secret,
		SessionMaxAge:      time.Duration(c.Cookies.MaxAge) * time.Second,
		HTTPTimeout:        parseDuration(c.Provider.Timeout, client.DefaultHTTPTimeout),
		InsecureSkipVerify: c.Provider.InsecureSkipVerify,
		Logger:             logger,
	}
}
