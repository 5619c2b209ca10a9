package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"sessiongate/client"
	"sessiongate/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("SESSIONGATE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Handle config commands (init/validate)
	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "probe" {
		command = "probe"
		args = args[1:]
	}

	configFile := *configPath
	if configFile == "" && len(args) > 0 {
		configFile = args[0]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "probe" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runProbe(ctx, cfg, logger, nil); err != nil {
			logger.Error("provider probe failed", "provider", cfg.Provider.URL, "error", err)
			os.Exit(1)
		}
		logger.Info("provider probe succeeded", "provider", cfg.Provider.URL)
		return
	}

	application, err := server.NewApp(cfg, logger, version)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	// Non-fatal: the provider may come up after us.
	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := application.ProbeProvider(probeCtx); err != nil {
		logger.Warn("identity provider may not be accessible",
			"provider", cfg.Provider.URL,
			"error", err,
			"note", "server will continue but authentication may fail")
	}
	cancel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// runProbe checks the provider end to end: discovery, signing keys, and the
// authorization endpoint the browser will be sent to.
func runProbe(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	c, err := client.New(cfg.ClientOptions(logger))
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	defer c.Close()

	doc, err := c.Discover(ctx)
	if err != nil {
		return err
	}
	logger.Info("probe.discovery", "issuer", doc.Issuer, "authorization_endpoint", doc.AuthorizationEndpoint)

	// Any key set is enough here; an unknown kid still proves the fetch worked.
	if _, err := c.Key(ctx, ""); err != nil && !errors.Is(err, client.ErrUnknownKeyID) {
		return fmt.Errorf("fetch signing keys: %w", err)
	}

	pkce, err := client.GeneratePKCE()
	if err != nil {
		return err
	}
	state, err := client.NewState()
	if err != nil {
		return err
	}
	authURL, err := c.LoginURL(ctx, state, pkce.Challenge)
	if err != nil {
		return err
	}
	logger.Info("probe.start", "auth_url", authURL)

	hc := httpClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := hc.CheckRedirect
	hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("probe.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { hc.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("probe.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("probe.success", "message", "Reached provider login endpoint")
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, os.Stdin, os.Stdout, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating provider discovery...")
	c, err := client.New(cfg.ClientOptions(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	if doc, err := c.Discover(ctx); err != nil {
		logger.Error("provider discovery failed", "provider", cfg.Provider.URL, "error", err)
	} else {
		logger.Info("provider discovery is accessible", "provider", cfg.Provider.URL, "issuer", doc.Issuer)
	}

	logger.Info("configuration validation complete")
	return nil
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	p := &prompter{in: bufio.NewReader(in), out: out}
	fmt.Fprintf(out, "No configuration file found at %s.\nPress Enter to accept a default.\n", path)

	cfg := server.DefaultConfig()
	appURL := "http://" + cfg.Server.DevListenAddr

	cfg.Server.DevMode = p.confirm("Development mode (plain HTTP)", true)
	if cfg.Server.DevMode {
		cfg.Server.DevListenAddr = p.text("Listen address", cfg.Server.DevListenAddr)
		appURL = "http://" + cfg.Server.DevListenAddr
		cfg.Cookies.Secure = p.confirm("Secure cookies", false)
	} else {
		domain := strings.TrimSuffix(p.required("Public domain"), "/")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.TLS.Email = p.text("ACME email", cfg.Server.TLS.Email)
		appURL = "https://" + domain
	}

	cfg.Provider.URL = strings.TrimSuffix(p.text("Provider URL", cfg.Provider.URL), "/")
	cfg.Client.ClientID = p.required("Client ID")
	cfg.Client.ClientSecret = p.required("Client secret")
	cfg.Client.RedirectURI = p.text("Redirect URI", appURL+authCallbackPath)
	cfg.Client.Scopes = p.list("Scopes", server.DefaultScopes)

	secret, err := randomHex(32)
	if err != nil {
		return server.Config{}, fmt.Errorf("generate cookie secret: %w", err)
	}
	cfg.Cookies.Secret = secret

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)
	return server.LoadConfig(path)
}

const authCallbackPath = "/auth/callback"

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// prompter reads one answer per line. At end of input every question falls
// back to its default, or to "" when there is none.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) line(label, hint string) (string, bool) {
	if hint != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, hint)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	answer, err := p.in.ReadString('\n')
	return strings.TrimSpace(answer), err == nil
}

func (p *prompter) text(label, def string) string {
	if answer, _ := p.line(label, def); answer != "" {
		return answer
	}
	return def
}

func (p *prompter) required(label string) string {
	for {
		answer, more := p.line(label, "")
		if answer != "" || !more {
			return answer
		}
		fmt.Fprintln(p.out, "  a value is required")
	}
}

func (p *prompter) confirm(label string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		answer, more := p.line(label, hint)
		switch strings.ToLower(answer) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if !more {
			return def
		}
		fmt.Fprintln(p.out, "  answer y or n")
	}
}

func (p *prompter) list(label string, def []string) []string {
	var out []string
	for _, item := range strings.Split(p.text(label, strings.Join(def, ",")), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// parseLogLevel accepts slog level names plus the aliases "warning" and "err".
func parseLogLevel(value string) (slog.Level, error) {
	name := strings.TrimSpace(value)
	switch strings.ToLower(name) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		name = "warn"
	case "err":
		name = "error"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", value)
	}
	return level, nil
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
