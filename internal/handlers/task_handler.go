package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/inaiurai/taskhub/internal/auth"
	"github.com/inaiurai/taskhub/internal/events"
	"github.com/inaiurai/taskhub/internal/models"
	"github.com/inaiurai/taskhub/internal/services"
	"github.com/inaiurai/taskhub/internal/tasks"
)

const (
	maxBodyBytes      = 1 << 20
	heartbeatInterval = 15 * time.Second
	adminTokenHeader  = "X-Admin-Token"
)

// Coordinator is the task service the handler drives.
type Coordinator interface {
	CreateTask(ctx context.Context, userID string, input json.RawMessage, agentTypes []string) (services.CreateResult, error)
	HandleCallback(ctx context.Context, cb services.Callback, caps ...auth.Capability) error
	Subscribe(ctx context.Context, userID, taskID string, caps ...auth.Capability) (*events.Subscription, error)
	ListTasks(userID string) []models.TaskSummary
	ReapTask(taskID string) bool
}

// Authorizer checks callback capabilities and the admin credential for
// admin-only routes.
type Authorizer interface {
	Authorize(taskID, userID string, caps ...auth.Capability) error
	VerifyPrivileged(credential string) bool
}

// Reloader re-reads the agent route table.
type Reloader interface {
	Reload() error
}

// TaskHandler serves the /api task endpoints.
type TaskHandler struct {
	Coordinator Coordinator
	Guard       Authorizer
	Validator   *services.Validator
	Registry    Reloader
	Logger      *slog.Logger

	// Heartbeat overrides heartbeatInterval when positive.
	Heartbeat time.Duration
}

// --- POST /api/tasks ---

type createTaskRequest struct {
	UserID     string          `json:"user_id"`
	InputData  json.RawMessage `json:"input_data"`
	AgentTypes []string        `json:"agent_types"`
}

// CreateTask handles POST /api/tasks.
// Validate -> Create -> Issue token -> Dispatch async -> 200 {task_id, token}.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"request body too large or unreadable"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.ValidateCreateTask(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req createTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Coordinator.CreateTask(r.Context(), req.UserID, req.InputData, req.AgentTypes)
	if err != nil {
		h.Logger.Error("create task", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"failed to create task"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /api/callback/{user_id}/{task_id}/{agent_type} ---

type callbackRequest struct {
	SubtaskID string  `json:"subtask_id"`
	Status    string  `json:"status"`
	FileURL   *string `json:"file_url"`
}

// Callback handles an agent's status report. The token travels in the query
// string, as handed to the agent in the dispatch payload. Callers are
// authorized before the payload is inspected.
func (h *TaskHandler) Callback(w http.ResponseWriter, r *http.Request) {
	userID, taskID, agentType := r.PathValue("user_id"), r.PathValue("task_id"), r.PathValue("agent_type")
	caps := capabilities(r)
	if err := h.Guard.Authorize(taskID, userID, caps...); err != nil {
		h.Logger.Warn("callback token verification failed", "task_id", taskID, "user_id", userID)
		http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"request body too large or unreadable"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.ValidateCallback(body); err != nil {
		h.Logger.Warn("invalid callback payload", "task_id", taskID, "agent_type", agentType, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	cb := services.Callback{
		TaskID:    taskID,
		UserID:    userID,
		AgentType: agentType,
		SubtaskID: req.SubtaskID,
		Status:    req.Status,
	}
	if req.FileURL != nil {
		cb.FileURL = *req.FileURL
	}

	err = h.Coordinator.HandleCallback(r.Context(), cb, caps...)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, auth.ErrUnauthorized):
		h.Logger.Warn("callback token verification failed", "task_id", taskID, "user_id", userID)
		http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
	case errors.Is(err, services.ErrInvalidStatus):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrNotFound):
		h.Logger.Warn("callback for unknown task or agent type", "task_id", taskID, "agent_type", agentType)
		http.Error(w, `{"error":"task or agent type not found"}`, http.StatusNotFound)
	default:
		h.Logger.Error("callback", "task_id", taskID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// --- GET /api/sse/{user_id}/{task_id} ---

// Stream pushes task snapshots as server-sent events until the task
// completes, the client goes away, or the server shuts down.
func (h *TaskHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, taskID := r.PathValue("user_id"), r.PathValue("task_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	sub, err := h.Coordinator.Subscribe(r.Context(), userID, taskID, capabilities(r)...)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUnauthorized):
		http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
		return
	case errors.Is(err, services.ErrNotFound), errors.Is(err, tasks.ErrNotFound):
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	default:
		h.Logger.Error("subscribe", "task_id", taskID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	defer sub.Close()
	h.Logger.Info("stream opened", "task_id", taskID, "user_id", userID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	evCh, errCh := pump(r.Context(), sub)
	interval := h.Heartbeat
	if interval <= 0 {
		interval = heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-evCh:
			data, err := json.Marshal(ev)
			if err != nil {
				h.Logger.Error("marshal event", "task_id", taskID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				h.Logger.Info("stream write failed", "task_id", taskID, "error", err)
				return
			}
			flusher.Flush()
		case err := <-errCh:
			if errors.Is(err, events.ErrClosed) {
				h.Logger.Info("stream closed", "task_id", taskID)
			} else {
				h.Logger.Info("stream cancelled", "task_id", taskID, "reason", err)
			}
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// pump moves events from sub onto a channel so they can be selected together
// with the heartbeat. It stops when Next fails; the error is sent on errCh.
func pump(ctx context.Context, sub *events.Subscription) (<-chan models.Event, <-chan error) {
	evCh := make(chan models.Event)
	errCh := make(chan error, 1)
	go func() {
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case evCh <- ev:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return evCh, errCh
}

// --- GET /api/tasks/{user_id} ---

// ListTasks handles GET /api/tasks/{user_id}.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Coordinator.ListTasks(r.PathValue("user_id")))
}

// --- DELETE /api/tasks/{task_id} (admin) ---

// ReapTask removes a task and ends its streams.
func (h *TaskHandler) ReapTask(w http.ResponseWriter, r *http.Request) {
	if !h.Guard.VerifyPrivileged(r.Header.Get(adminTokenHeader)) {
		http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
		return
	}
	taskID := r.PathValue("task_id")
	if !h.Coordinator.ReapTask(taskID) {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- POST /api/reload-config (admin) ---

// ReloadConfig re-reads the agent route table.
func (h *TaskHandler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if !h.Guard.VerifyPrivileged(r.Header.Get(adminTokenHeader)) {
		http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
		return
	}
	if h.Registry == nil {
		http.Error(w, `{"error":"no reloadable registry configured"}`, http.StatusNotFound)
		return
	}
	if err := h.Registry.Reload(); err != nil {
		h.Logger.Error("reload agent routes", "error", err)
		http.Error(w, `{"error":"failed to load agent URLs"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health handles GET /api/health.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

// capabilities collects every credential on the request; the guard decides
// which one, if any, grants access.
func capabilities(r *http.Request) []auth.Capability {
	var caps []auth.Capability
	if k := r.Header.Get(adminTokenHeader); k != "" {
		caps = append(caps, auth.PrivilegedKey(k))
	}
	if t := r.URL.Query().Get("token"); t != "" {
		caps = append(caps, auth.TaskToken(t))
	}
	return caps
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
