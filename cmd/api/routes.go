package main

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inaiurai/taskhub/internal/auth"
	"github.com/inaiurai/taskhub/internal/config"
	"github.com/inaiurai/taskhub/internal/handlers"
	"github.com/inaiurai/taskhub/internal/middleware"
	"github.com/inaiurai/taskhub/internal/registry"
	"github.com/inaiurai/taskhub/internal/router"
	"github.com/inaiurai/taskhub/internal/services"
)

// buildAPI assembles the /api routes and /metrics.
func buildAPI(
	cfg *config.Config,
	coord *services.Coordinator,
	guard *auth.Guard,
	routes *registry.FileRegistry,
	reg *prometheus.Registry,
	logger *slog.Logger,
) (http.Handler, error) {
	validator, err := services.NewValidator()
	if err != nil {
		return nil, err
	}

	th := &handlers.TaskHandler{
		Coordinator: coord,
		Guard:       guard,
		Validator:   validator,
		Registry:    routes,
		Logger:      logger,
	}

	keys := middleware.NewAPIKeySet(cfg.AllowedAPIKeys)
	if keys.Empty() {
		slog.Warn("ALLOWED_API_KEYS is empty; task creation is unauthenticated")
	}

	return router.New(th, router.Options{
		APIKeys:            keys,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Metrics:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}), nil
}
