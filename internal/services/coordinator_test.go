package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/taskhub/internal/auth"
	"github.com/inaiurai/taskhub/internal/events"
	"github.com/inaiurai/taskhub/internal/metrics"
	"github.com/inaiurai/taskhub/internal/models"
	"github.com/inaiurai/taskhub/internal/tasks"
)

const adminKey = "root-key"

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	hash, err := auth.HashAdminSecret(adminKey)
	require.NoError(t, err)
	c := NewCoordinator(tasks.NewStore(), events.NewHub(), auth.NewGuard([]byte("k"), hash, time.Hour), discardLogger())
	t.Cleanup(c.Wait)
	return c
}

func nextEvent(t *testing.T, sub *events.Subscription) models.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

func cb(res CreateResult, userID, agent, status, fileURL string) Callback {
	return Callback{TaskID: res.TaskID, UserID: userID, AgentType: agent, Status: status, FileURL: fileURL}
}

func TestCoordinator_ExampleTrace(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	res, err := c.CreateTask(ctx, "u1", json.RawMessage(`{"q":1}`), []string{"A", "B"})
	require.NoError(t, err)
	tok := auth.TaskToken(res.Token)

	sub, err := c.Subscribe(ctx, "u1", res.TaskID, tok)
	require.NoError(t, err)
	defer sub.Close()

	first := nextEvent(t, sub)
	assert.False(t, first.Completed)
	assert.Equal(t, models.SubtaskStatusPending, first.Status["A"].Status)

	require.NoError(t, c.HandleCallback(ctx, cb(res, "u1", "A", "completed", "f1"), tok))
	require.NoError(t, c.HandleCallback(ctx, cb(res, "u1", "B", "running", ""), tok))
	require.NoError(t, c.HandleCallback(ctx, cb(res, "u1", "B", "completed", "f2"), tok))

	want := []models.Event{
		{TaskID: res.TaskID, Version: 1, Status: map[string]models.SubtaskState{
			"A": {Status: "completed", FileURL: "f1"}, "B": {Status: "pending"}}},
		{TaskID: res.TaskID, Version: 2, Status: map[string]models.SubtaskState{
			"A": {Status: "completed", FileURL: "f1"}, "B": {Status: "running"}}},
		{TaskID: res.TaskID, Version: 3, Completed: true, Status: map[string]models.SubtaskState{
			"A": {Status: "completed", FileURL: "f1"}, "B": {Status: "completed", FileURL: "f2"}}},
	}
	for i, w := range want {
		got := nextEvent(t, sub)
		if diff := cmp.Diff(w, got); diff != "" {
			t.Errorf("event %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, events.ErrClosed)
	assert.Zero(t, c.Hub.Subscribers(res.TaskID))
}

func TestCoordinator_DuplicateCallbackIsHarmless(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	res, err := c.CreateTask(ctx, "u1", nil, []string{"A", "B"})
	require.NoError(t, err)
	tok := auth.TaskToken(res.Token)

	require.NoError(t, c.HandleCallback(ctx, cb(res, "u1", "A", "completed", "f1"), tok))
	before, err := c.Store.Snapshot(res.TaskID)
	require.NoError(t, err)
	require.NoError(t, c.HandleCallback(ctx, cb(res, "u1", "A", "completed", "f1"), tok))
	after, err := c.Store.Snapshot(res.TaskID)
	require.NoError(t, err)

	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Completed, after.Completed)
	assert.Equal(t, before.Version+1, after.Version)
}

func TestCoordinator_CompletionIsSticky(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	res, err := c.CreateTask(ctx, "u1", nil, []string{"A"})
	require.NoError(t, err)
	tok := auth.TaskToken(res.Token)

	require.NoError(t, c.HandleCallback(ctx, cb(res, "u1", "A", "completed", "f"), tok))
	require.NoError(t, c.HandleCallback(ctx, cb(res, "u1", "A", "running", ""), tok))

	ev, err := c.Store.Snapshot(res.TaskID)
	require.NoError(t, err)
	assert.True(t, ev.Completed)
	assert.Equal(t, "running", ev.Status["A"].Status)
	assert.Equal(t, "f", ev.Status["A"].FileURL)
}

func TestCoordinator_ConcurrentCallbacksCompleteOnce(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	agents := make([]string, 20)
	for i := range agents {
		agents[i] = fmt.Sprintf("agent-%02d", i)
	}
	res, err := c.CreateTask(ctx, "u1", nil, agents)
	require.NoError(t, err)
	tok := auth.TaskToken(res.Token)

	sub, err := c.Subscribe(ctx, "u1", res.TaskID, tok)
	require.NoError(t, err)
	defer sub.Close()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.HandleCallback(ctx, cb(res, "u1", a, "completed", "f-"+a), tok))
		}()
	}
	wg.Wait()

	var got []models.Event
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			assert.ErrorIs(t, err, events.ErrClosed)
			break
		}
		got = append(got, ev)
	}
	require.Len(t, got, len(agents)+1)
	completed := 0
	for i, ev := range got {
		assert.Equal(t, uint64(i), ev.Version, "events must arrive in commit order")
		if ev.Completed {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.True(t, got[len(got)-1].Completed)
}

func TestCoordinator_CallbackRejections(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	res, err := c.CreateTask(ctx, "u1", nil, []string{"A"})
	require.NoError(t, err)
	other, err := c.CreateTask(ctx, "u1", nil, []string{"A"})
	require.NoError(t, err)

	tests := []struct {
		name string
		cb   Callback
		caps []auth.Capability
		want error
	}{
		{"no credential", cb(res, "u1", "A", "running", ""), nil, auth.ErrUnauthorized},
		{"token for other task", cb(res, "u1", "A", "running", ""), []auth.Capability{auth.TaskToken(other.Token)}, auth.ErrUnauthorized},
		{"token for other user", cb(res, "u2", "A", "running", ""), []auth.Capability{auth.TaskToken(res.Token)}, auth.ErrUnauthorized},
		{"unknown agent", cb(res, "u1", "Z", "running", ""), []auth.Capability{auth.TaskToken(res.Token)}, ErrNotFound},
		{"unknown task via admin", Callback{TaskID: "nope", UserID: "u1", AgentType: "A", Status: "running"}, []auth.Capability{auth.PrivilegedKey(adminKey)}, ErrNotFound},
		{"invalid status", cb(res, "u1", "A", "done", ""), []auth.Capability{auth.TaskToken(res.Token)}, ErrInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.HandleCallback(ctx, tt.cb, tt.caps...)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	ev, err := c.Store.Snapshot(res.TaskID)
	require.NoError(t, err)
	assert.Zero(t, ev.Version, "rejected callbacks must not mutate the task")
}

func TestCoordinator_SubscribeOwnership(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	res, err := c.CreateTask(ctx, "u1", nil, []string{"A"})
	require.NoError(t, err)

	_, err = c.Subscribe(ctx, "u2", res.TaskID, auth.TaskToken(res.Token))
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	sub, err := c.Subscribe(ctx, "anyone", res.TaskID, auth.PrivilegedKey(adminKey))
	require.NoError(t, err)
	sub.Close()

	_, err = c.Subscribe(ctx, "u1", "missing", auth.PrivilegedKey(adminKey))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_DispatchFailureMarksSubtaskFailed(t *testing.T) {
	c := newTestCoordinator(t)
	c.Fanner = NewDispatcher(mapResolver{}, c, "http://hub/api/callback", time.Second, 2, discardLogger())
	ctx := context.Background()

	res, err := c.CreateTask(ctx, "u1", nil, []string{"A", "B"})
	require.NoError(t, err, "creation succeeds even when no agent can be reached")
	c.Wait()

	ev, err := c.Store.Snapshot(res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.SubtaskStatusFailed, ev.Status["A"].Status)
	assert.Equal(t, models.SubtaskStatusFailed, ev.Status["B"].Status)
	assert.False(t, ev.Completed)
}

func TestCoordinator_Reaping(t *testing.T) {
	c := newTestCoordinator(t)
	c.TTL = time.Minute
	ctx := context.Background()

	res, err := c.CreateTask(ctx, "u1", nil, []string{"A"})
	require.NoError(t, err)
	sub, err := c.Subscribe(ctx, "u1", res.TaskID, auth.TaskToken(res.Token))
	require.NoError(t, err)
	defer sub.Close()
	nextEvent(t, sub)

	assert.Zero(t, c.ReapExpired(time.Now()))
	assert.Equal(t, 1, c.ReapExpired(time.Now().Add(2*time.Minute)))

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, events.ErrClosed, "reaping ends open streams")
	assert.Empty(t, c.ListTasks("u1"))
	assert.False(t, c.ReapTask(res.TaskID))

	c.TTL = 0
	assert.Zero(t, c.ReapExpired(time.Now().Add(time.Hour)))
}

func TestCoordinator_CallbackMetricLabelsAreBounded(t *testing.T) {
	c := newTestCoordinator(t)
	reg := prometheus.NewRegistry()
	c.Metrics = metrics.MustNewMetrics(reg)
	ctx := context.Background()

	res, err := c.CreateTask(ctx, "u1", json.RawMessage(`{}`), []string{"A"})
	require.NoError(t, err)
	tok := auth.TaskToken(res.Token)

	// Unauthenticated callers choose the status string freely.
	assert.ErrorIs(t, c.HandleCallback(ctx, cb(res, "u1", "A", "x-1", ""), auth.TaskToken("forged")), auth.ErrUnauthorized)
	assert.ErrorIs(t, c.HandleCallback(ctx, cb(res, "u1", "A", "x-2", "")), auth.ErrUnauthorized)
	assert.ErrorIs(t, c.HandleCallback(ctx, cb(res, "u1", "A", "x-3", ""), tok), ErrInvalidStatus)
	require.NoError(t, c.HandleCallback(ctx, cb(res, "u1", "A", "running", ""), tok))

	expected := `
# HELP taskhub_callback_received_total Agent callbacks by subtask status and result.
# TYPE taskhub_callback_received_total counter
taskhub_callback_received_total{result="ok",status="running"} 1
taskhub_callback_received_total{result="rejected",status="invalid"} 1
taskhub_callback_received_total{result="unauthorized",status="invalid"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "taskhub_callback_received_total"))
}

// ctxFanner blocks each fan-out until its context ends, or until release is
// closed when ignoreCtx is set.
type ctxFanner struct {
	started   chan string
	release   chan struct{}
	ignoreCtx bool
}

func (f *ctxFanner) Fanout(ctx context.Context, task models.Task, _ string) []DispatchFailure {
	f.started <- task.ID
	if f.ignoreCtx {
		<-f.release
		return nil
	}
	<-ctx.Done()
	return nil
}

func TestCoordinator_ShutdownCancelsFanouts(t *testing.T) {
	c := newTestCoordinator(t)
	fanner := &ctxFanner{started: make(chan string, 2)}
	c.Fanner = fanner

	// The creating request's cancellation must not stop the fan-out.
	reqCtx, cancelReq := context.WithCancel(context.Background())
	_, err := c.CreateTask(reqCtx, "u1", json.RawMessage(`{}`), []string{"A"})
	require.NoError(t, err)
	cancelReq()
	<-fanner.started

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("fan-out ended with the creating request")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	<-done

	// Tasks created after shutdown start with an already cancelled fan-out.
	_, err = c.CreateTask(context.Background(), "u1", json.RawMessage(`{}`), []string{"A"})
	require.NoError(t, err)
	<-fanner.started
	require.NoError(t, c.Shutdown(ctx))
}

func TestCoordinator_ShutdownHonoursDeadline(t *testing.T) {
	c := newTestCoordinator(t)
	fanner := &ctxFanner{started: make(chan string, 1), release: make(chan struct{}), ignoreCtx: true}
	c.Fanner = fanner
	t.Cleanup(func() { close(fanner.release) })

	_, err := c.CreateTask(context.Background(), "u1", json.RawMessage(`{}`), []string{"A"})
	require.NoError(t, err)
	<-fanner.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = c.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
