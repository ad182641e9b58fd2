package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/inaiurai/taskhub/internal/metrics"
	"github.com/inaiurai/taskhub/internal/models"
	"github.com/inaiurai/taskhub/internal/registry"
)

const (
	DefaultDispatchTimeout     = 100 * time.Second
	DefaultDispatchConcurrency = 5
)

// Reasons a subtask dispatch can fail. All are handled alike: the subtask is
// marked failed and its siblings carry on.
var (
	ErrDispatchUnresolved = errors.New("agent address not resolved")
	ErrDispatchTransport  = errors.New("agent unreachable")
	ErrDispatchStatus     = errors.New("agent returned non-success status")
)

// StatusUpdater records a subtask status change and publishes it.
type StatusUpdater interface {
	ApplyStatus(taskID, agentType, status, fileURL string) error
}

// DispatchFailure describes one subtask whose outbound call did not complete.
type DispatchFailure struct {
	AgentType string
	Err       error
}

func (f DispatchFailure) Error() string {
	return fmt.Sprintf("dispatch %s: %v", f.AgentType, f.Err)
}

func (f DispatchFailure) Unwrap() error { return f.Err }

// dispatchPayload is the JSON body sent to the agent's endpoint.
type dispatchPayload struct {
	TaskID      string          `json:"task_id"`
	UserID      string          `json:"user_id"`
	Input       json.RawMessage `json:"input"`
	CallbackURL string          `json:"callback_url"`
	Token       string          `json:"token"`
}

// Dispatcher fans a task out to one agent call per subtask. The admission
// limiter is shared by every task the dispatcher serves.
type Dispatcher struct {
	Registry        registry.Resolver
	Updater         StatusUpdater
	HTTPClient      *http.Client
	CallbackBaseURL string
	Timeout         time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger

	limiter *semaphore.Weighted
}

// NewDispatcher returns a Dispatcher admitting at most concurrency outbound
// calls at a time across all tasks.
func NewDispatcher(reg registry.Resolver, updater StatusUpdater, callbackBaseURL string, timeout time.Duration, concurrency int, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	if concurrency <= 0 {
		concurrency = DefaultDispatchConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Registry:        reg,
		Updater:         updater,
		HTTPClient:      &http.Client{},
		CallbackBaseURL: callbackBaseURL,
		Timeout:         timeout,
		Logger:          logger,
		limiter:         semaphore.NewWeighted(int64(concurrency)),
	}
}

// Fanout dispatches every subtask of task concurrently and waits for all of
// them. It returns the failures, sorted by agent type; a failure never stops
// its siblings.
func (d *Dispatcher) Fanout(ctx context.Context, task models.Task, token string) []DispatchFailure {
	var (
		mu       sync.Mutex
		failures []DispatchFailure
		g        errgroup.Group
	)
	for agentType := range task.Subtasks {
		g.Go(func() error {
			if err := d.dispatchOne(ctx, task, agentType, token); err != nil {
				d.markFailed(task, agentType, err)
				mu.Lock()
				failures = append(failures, DispatchFailure{AgentType: agentType, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(failures, func(i, j int) bool { return failures[i].AgentType < failures[j].AgentType })
	return failures
}

func (d *Dispatcher) dispatchOne(ctx context.Context, task models.Task, agentType, token string) error {
	start := time.Now()
	if err := d.limiter.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: admission: %v", ErrDispatchTransport, err)
	}
	defer d.limiter.Release(1)
	d.Metrics.DispatchStarted()

	err := d.call(ctx, task, agentType, token)
	d.Metrics.DispatchFinished(outcome(err), time.Since(start).Seconds())
	return err
}

// call runs resolution and the HTTP round trip under one d.Timeout deadline.
func (d *Dispatcher) call(ctx context.Context, task models.Task, agentType, token string) error {
	callCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	target, err := d.Registry.Resolve(callCtx, agentType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchUnresolved, err)
	}

	body, err := json.Marshal(dispatchPayload{
		TaskID:      task.ID,
		UserID:      task.UserID,
		Input:       task.InputData,
		CallbackURL: d.callbackURL(task.UserID, task.ID, agentType),
		Token:       token,
	})
	if err != nil {
		return fmt.Errorf("marshal dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDispatchTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", ErrDispatchStatus, resp.StatusCode)
	}

	d.Logger.Info("subtask dispatched", "task_id", task.ID, "user_id", task.UserID, "agent_type", agentType)
	return nil
}

func (d *Dispatcher) markFailed(task models.Task, agentType string, cause error) {
	d.Logger.Error("subtask dispatch failed", "task_id", task.ID, "user_id", task.UserID, "agent_type", agentType, "error", cause)
	if err := d.Updater.ApplyStatus(task.ID, agentType, models.SubtaskStatusFailed, ""); err != nil {
		d.Logger.Warn("mark subtask failed", "task_id", task.ID, "agent_type", agentType, "error", err)
	}
}

// callbackURL is where the agent reports progress: {base}/{user_id}/{task_id}/{agent_type}.
func (d *Dispatcher) callbackURL(userID, taskID, agentType string) string {
	u, err := url.JoinPath(d.CallbackBaseURL, userID, taskID, agentType)
	if err != nil {
		return fmt.Sprintf("%s/%s/%s/%s", d.CallbackBaseURL, userID, taskID, agentType)
	}
	return u
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDispatchUnresolved):
		return "unresolved"
	case errors.Is(err, ErrDispatchStatus):
		return "bad_status"
	default:
		return "transport"
	}
}
