package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"reasonengine/internal/handler"
	"reasonengine/internal/middleware"
)

// Dependencies holds everything the router wires into routes.
type Dependencies struct {
	DB          handler.DBPinger
	FrontendURL string
	Version     string
	Metrics     *middleware.Metrics
	MetricsReg  *prometheus.Registry

	InternalAuthSecret string

	ReasonDeps handler.ReasonDeps

	// ReasonRateLimiter enforces the per-conversation sliding window on
	// POST /api/reason. nil disables rate limiting, e.g. in tests.
	ReasonRateLimiter *middleware.RateLimiter
}

// New creates and configures the Chi router with all routes.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalAuth(deps.InternalAuthSecret))
		if deps.ReasonRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.ReasonRateLimiter, middleware.ConversationIDKey))
		}
		r.Post("/api/reason", handler.Reason(deps.ReasonDeps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}
