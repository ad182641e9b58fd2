package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"github.com/inaiurai/taskhub/internal/auth"
	"github.com/inaiurai/taskhub/internal/config"
	"github.com/inaiurai/taskhub/internal/events"
	"github.com/inaiurai/taskhub/internal/metrics"
	"github.com/inaiurai/taskhub/internal/registry"
	"github.com/inaiurai/taskhub/internal/services"
	"github.com/inaiurai/taskhub/internal/tasks"
)

const shutdownGrace = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Auth
	adminHash := []byte(cfg.AdminSecretHash)
	if len(adminHash) == 0 {
		adminHash, err = auth.HashAdminSecret(cfg.AdminSecretKey)
		if err != nil {
			slog.Error("Failed to hash admin secret", "error", err)
			os.Exit(1)
		}
	}
	if len(adminHash) == 0 {
		slog.Warn("No admin secret configured; privileged routes are disabled")
	}
	guard := auth.NewGuard([]byte(cfg.TokenSecret), adminHash, cfg.TokenTTL)

	// Metrics
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)

	// Task state and events
	hub := events.NewHub()
	hub.OnSubscribersChanged = m.SubscribersChanged
	coord := services.NewCoordinator(tasks.NewStore(), hub, guard, logger)
	coord.Metrics = m
	coord.TTL = cfg.TaskTTL

	// Agent routes: file first, then Postgres when configured
	fileRoutes := registry.NewFileRegistry(cfg.AgentURLsPath, logger)
	if err := fileRoutes.Reload(); err != nil {
		slog.Warn("Agent URL file not loaded; continuing with an empty table", "path", cfg.AgentURLsPath, "error", err)
	}
	if cfg.WatchAgentURLs {
		if err := fileRoutes.Watch(ctx); err != nil {
			slog.Warn("Agent URL file watch disabled", "error", err)
		}
	}
	chain := registry.Chain{fileRoutes}
	if cfg.RegistryDatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.RegistryDatabaseURL)
		if err != nil {
			slog.Error("Unable to create registry database pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			slog.Error("Cannot reach registry database", "error", err)
			os.Exit(1)
		}
		slog.Info("Connected to registry database")
		chain = append(chain, registry.NewRepository(pool))
	}

	// Dispatch
	dispatcher := services.NewDispatcher(chain, coord, cfg.CallbackBaseURL, cfg.DispatchTimeout, cfg.DispatchConcurrency, logger)
	dispatcher.Metrics = m
	coord.Fanner = dispatcher

	reaper, err := services.StartReaper(cfg.ReapSchedule, coord, logger)
	if err != nil {
		slog.Error("Failed to start reaper", "error", err)
		os.Exit(1)
	}

	api, err := buildAPI(cfg, coord, guard, fileRoutes, reg, logger)
	if err != nil {
		slog.Error("Failed to build API", "error", err)
		os.Exit(1)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Admin-Token"},
		AllowCredentials: true,
	}).Handler(api)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown", "error", err)
	}
	reaper.Stop(shutdownCtx)
	if err := coord.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Background dispatch shutdown", "error", err)
	}
	slog.Info("Stopped")
}
