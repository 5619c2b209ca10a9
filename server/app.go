package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"sessiongate/client"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Client  *client.Client
	Auth    *Authenticator
	Version string
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger, version string, opts ...AuthenticatorOption) (*App, error) {
	c, err := client.New(cfg.ClientOptions(logger))
	if err != nil {
		return nil, fmt.Errorf("init provider client: %w", err)
	}
	return &App{
		Config:  cfg,
		Logger:  logger,
		Client:  c,
		Auth:    NewAuthenticator(cfg, c, logger, opts...),
		Version: version,
	}, nil
}

// Close releases provider connections.
func (a *App) Close() {
	a.Client.Close()
}

// ProbeProvider fetches discovery once so misconfiguration shows up at startup.
func (a *App) ProbeProvider(ctx context.Context) error {
	doc, err := a.Client.Discover(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info("identity provider reachable",
		"issuer", doc.Issuer,
		"authorization_endpoint", doc.AuthorizationEndpoint,
	)
	return nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": a.Version})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromRequest(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *App) handleAdmin(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromRequest(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"admin":  user.Username,
	})
}

func (a *App) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
