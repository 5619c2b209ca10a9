package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: the /auth flow, public health and
// version endpoints, and the authenticated API.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}
	r.Use(a.Auth.Middleware)

	r.Mount(authPrefix, a.Auth.Routes())

	r.Get("/health", a.handleHealth)
	r.Get("/api/version", a.handleVersion)

	r.With(a.Auth.RequireUser("")).Get("/api/me", a.handleMe)
	r.With(a.Auth.RequireUser("admin")).Get("/api/admin", a.handleAdmin)

	r.NotFound(a.handleNotFound)

	return r
}
