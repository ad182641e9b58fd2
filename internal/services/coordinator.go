package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/taskhub/internal/auth"
	"github.com/inaiurai/taskhub/internal/events"
	"github.com/inaiurai/taskhub/internal/metrics"
	"github.com/inaiurai/taskhub/internal/models"
	"github.com/inaiurai/taskhub/internal/tasks"
)

var (
	// ErrNotFound covers unknown tasks and agent types outside a task's subtask set.
	ErrNotFound = errors.New("task or agent type not found")
	// ErrInvalidStatus is returned for a callback status outside the recognised set.
	ErrInvalidStatus = errors.New("invalid status")
)

// Fanner dispatches a freshly created task to its agents.
type Fanner interface {
	Fanout(ctx context.Context, task models.Task, token string) []DispatchFailure
}

// Callback is one agent's status report for its subtask.
type Callback struct {
	TaskID    string
	UserID    string
	AgentType string
	SubtaskID string
	Status    string
	FileURL   string
}

// CreateResult is returned to the task creator.
type CreateResult struct {
	TaskID string `json:"task_id"`
	Token  string `json:"token"`
}

// Coordinator ties the task store, event hub, guard and dispatcher together.
// Every store mutation is followed by a publish outside the store's locks.
type Coordinator struct {
	Store   *tasks.Store
	Hub     *events.Hub
	Guard   *auth.Guard
	Fanner  Fanner
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	TTL     time.Duration

	newID    func() string
	inflight sync.WaitGroup
	stopCtx  context.Context
	stop     context.CancelFunc
}

// NewCoordinator wires the components. Fanner may be set after construction
// because the dispatcher reports failures back through the coordinator.
func NewCoordinator(store *tasks.Store, hub *events.Hub, guard *auth.Guard, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	stopCtx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		Store:   store,
		Hub:     hub,
		Guard:   guard,
		Logger:  logger,
		newID:   func() string { return uuid.NewString() },
		stopCtx: stopCtx,
		stop:    stop,
	}
}

var _ StatusUpdater = (*Coordinator)(nil)

// CreateTask registers the task, mints its token and starts the fan-out in
// the background. Dispatch failures surface later as failed subtasks.
func (c *Coordinator) CreateTask(ctx context.Context, userID string, input json.RawMessage, agentTypes []string) (CreateResult, error) {
	taskID := c.newID()
	ev, err := c.Store.Create(taskID, userID, input, agentTypes)
	if err != nil {
		return CreateResult{}, err
	}
	c.Hub.Open(ev)
	c.Metrics.SetTasksLive(c.Store.Len())

	token, err := c.Guard.Issue(taskID, userID)
	if err != nil {
		c.ReapTask(taskID)
		return CreateResult{}, fmt.Errorf("issue token: %w", err)
	}
	c.Logger.Info("task created", "task_id", taskID, "user_id", userID, "agent_types", agentTypes)

	if c.Fanner != nil {
		task, err := c.Store.Task(taskID)
		if err != nil {
			return CreateResult{}, err
		}
		// The fan-out outlives the creating request but not Shutdown.
		fanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stopFan := context.AfterFunc(c.stopCtx, cancel)
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			defer stopFan()
			defer cancel()
			failures := c.Fanner.Fanout(fanCtx, task, token)
			c.Logger.Info("task distributed to agents", "task_id", taskID,
				"agents", len(task.Subtasks), "failed", len(failures))
		}()
	}
	return CreateResult{TaskID: taskID, Token: token}, nil
}

// ApplyStatus commits a subtask status and publishes the resulting snapshot.
func (c *Coordinator) ApplyStatus(taskID, agentType, status, fileURL string) error {
	ev, err := c.Store.Update(taskID, agentType, status, fileURL)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return err
	}
	c.Hub.Publish(ev)
	if ev.Completed {
		c.Logger.Info("task completed", "task_id", taskID, "version", ev.Version)
	}
	return nil
}

// HandleCallback authorizes an agent's report and applies it. Duplicate
// reports are accepted and leave the task unchanged in content.
func (c *Coordinator) HandleCallback(_ context.Context, cb Callback, caps ...auth.Capability) error {
	// Metric labels only ever carry a recognised status.
	label := cb.Status
	if !models.ValidSubtaskStatus(label) {
		label = "invalid"
	}
	if err := c.Guard.Authorize(cb.TaskID, cb.UserID, caps...); err != nil {
		c.Metrics.Callback(label, "unauthorized")
		return err
	}
	if label == "invalid" {
		c.Metrics.Callback(label, "rejected")
		return fmt.Errorf("%w: %q", ErrInvalidStatus, cb.Status)
	}
	if err := c.ApplyStatus(cb.TaskID, cb.AgentType, cb.Status, cb.FileURL); err != nil {
		c.Metrics.Callback(label, "not_found")
		return err
	}
	c.Metrics.Callback(label, "ok")
	c.Logger.Info("callback processed", "task_id", cb.TaskID, "agent_type", cb.AgentType,
		"subtask_id", cb.SubtaskID, "status", cb.Status)
	return nil
}

// Subscribe opens a live stream of the task's snapshots. Callers must Close
// the returned subscription on every exit path.
func (c *Coordinator) Subscribe(_ context.Context, userID, taskID string, caps ...auth.Capability) (*events.Subscription, error) {
	privileged, err := c.Guard.AuthorizePrivileged(taskID, userID, caps...)
	if err != nil {
		return nil, err
	}
	task, err := c.Store.Task(taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if !privileged && task.UserID != userID {
		return nil, auth.ErrUnauthorized
	}
	sub, err := c.Hub.Subscribe(taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if privileged {
		c.Logger.Info("privileged stream opened", "task_id", taskID)
	}
	return sub, nil
}

// ListTasks returns the user's tasks in creation order.
func (c *Coordinator) ListTasks(userID string) []models.TaskSummary {
	return c.Store.ListByUser(userID)
}

// ReapTask removes the task and ends its open streams.
func (c *Coordinator) ReapTask(taskID string) bool {
	ok := c.Store.Reap(taskID)
	c.Hub.Close(taskID)
	if ok {
		c.Metrics.TasksReaped(1)
		c.Metrics.SetTasksLive(c.Store.Len())
		c.Logger.Info("task reaped", "task_id", taskID)
	}
	return ok
}

// ReapExpired removes every task idle for longer than TTL and returns how
// many were removed. A zero TTL disables reaping.
func (c *Coordinator) ReapExpired(now time.Time) int {
	if c.TTL <= 0 {
		return 0
	}
	n := 0
	for _, id := range c.Store.Expired(now, c.TTL) {
		if c.ReapTask(id) {
			n++
		}
	}
	return n
}

// Wait blocks until every background fan-out has returned.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

// Shutdown cancels every background fan-out and waits for them to return,
// giving up when ctx ends. Tasks created afterwards start already cancelled.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stop()
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for fan-outs: %w", ctx.Err())
	}
}
