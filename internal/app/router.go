// Package app wires configuration, handlers, and middleware into the HTTP
// server and owns process lifecycle.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/keyfleet/keyfleet/internal/adapter/httpserver"
	"github.com/keyfleet/keyfleet/internal/adapter/observability"
	"github.com/keyfleet/keyfleet/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// No global timeout is applied; streaming responses stay open as long as the
// upstream keeps sending.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// OpenAI-compatible surface, guarded by proxy bearer tokens.
	r.Group(func(pr chi.Router) {
		pr.Use(httpserver.ProxyAuth(cfg.ProxyAPIKeys))
		pr.Post("/v1/chat/completions", srv.ChatCompletions)
		pr.Get("/v1/models", srv.Models)
	})

	// Health and metrics.
	r.Get("/healthz", srv.Healthz)
	r.Get("/readyz", srv.Readyz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	// Admin API, mounted only when credentials are configured.
	if cfg.AdminEnabled() {
		r.Group(func(ar chi.Router) {
			ar.Use(httprate.LimitByIP(cfg.AdminRateLimitMin, time.Minute))
			ar.Post("/admin/token", srv.AdminLogin)
		})
		r.Route("/admin/api", func(ar chi.Router) {
			ar.Use(httprate.LimitByIP(cfg.AdminRateLimitMin, time.Minute))
			ar.Use(httpserver.AdminAuth(srv.Tokens))
			ar.Get("/keys", srv.AdminListKeys)
			ar.Get("/keys/paginated", srv.AdminListKeysPaginated)
			ar.Post("/keys", srv.AdminAddKey)
			ar.Post("/keys/bulk", srv.AdminBulkAddKeys)
			ar.Put("/keys/{id}/status", srv.AdminSetKeyStatus)
			ar.Put("/keys/{id}/name", srv.AdminSetKeyName)
			ar.Delete("/keys/{id}", srv.AdminDeleteKey)
			ar.Post("/keys/reset_all", srv.AdminResetAllKeys)
			ar.Post("/validate_keys", srv.AdminValidateKeys)
			ar.Post("/validate_key/{id}", srv.AdminValidateKey)
			ar.Get("/stats", srv.AdminStats)
			ar.Post("/cleanup_usage", srv.AdminCleanupUsage)
		})
	}

	return httpserver.SecurityHeaders(r)
}
