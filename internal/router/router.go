package router

import (
	"net/http"

	"github.com/inaiurai/taskhub/internal/handlers"
	"github.com/inaiurai/taskhub/internal/middleware"
)

// Options configures the middleware around the public routes.
type Options struct {
	APIKeys            *middleware.APIKeySet
	RateLimitPerMinute int
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
}

// New returns an http.Handler that serves the task API under /api.
//
// Middleware chain for task creation: APIKeyAuth -> RateLimit -> handler.
// Callback and stream routes authenticate with task tokens instead.
func New(th *handlers.TaskHandler, opts Options) http.Handler {
	mux := http.NewServeMux()
	authn := middleware.APIKeyAuth(opts.APIKeys)
	limit := middleware.RateLimit(opts.RateLimitPerMinute)

	create := authn(limit(http.HandlerFunc(th.CreateTask)))
	mux.Handle("POST /api/tasks", create)
	mux.Handle("POST /api/start-task", create)

	mux.HandleFunc("POST /api/callback/{user_id}/{task_id}/{agent_type}", th.Callback)
	mux.HandleFunc("GET /api/sse/{user_id}/{task_id}", th.Stream)

	mux.Handle("GET /api/tasks/{user_id}", authn(http.HandlerFunc(th.ListTasks)))
	mux.HandleFunc("DELETE /api/tasks/{task_id}", th.ReapTask)
	mux.HandleFunc("POST /api/reload-config", th.ReloadConfig)

	mux.HandleFunc("GET /api/health", handlers.Health)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux
}
