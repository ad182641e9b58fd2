package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inaiurai/taskhub/internal/models"
	"github.com/inaiurai/taskhub/internal/registry"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, agentType string) (string, error) {
	if u, ok := m[agentType]; ok {
		return u, nil
	}
	return "", fmt.Errorf("resolve %q: %w", agentType, registry.ErrUnknownAgent)
}

type statusCall struct {
	TaskID, AgentType, Status string
}

type recordingUpdater struct {
	mu    sync.Mutex
	calls []statusCall
}

func (r *recordingUpdater) ApplyStatus(taskID, agentType, status, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, statusCall{taskID, agentType, status})
	return nil
}

func (r *recordingUpdater) byAgent() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.calls))
	for _, c := range r.calls {
		out[c.AgentType] = c.Status
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTask(agents ...string) models.Task {
	subtasks := make(map[string]models.SubtaskState, len(agents))
	for _, a := range agents {
		subtasks[a] = models.SubtaskState{Status: models.SubtaskStatusPending}
	}
	return models.Task{
		ID:        "t1",
		UserID:    "u1",
		InputData: json.RawMessage(`{"q":"x"}`),
		Subtasks:  subtasks,
	}
}

// ---------------------------------------------------------------------------
// Fanout
// ---------------------------------------------------------------------------

func TestFanout_IsolatesFailures(t *testing.T) {
	var (
		mu       sync.Mutex
		received dispatchPayload
	)
	okAgent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer okAgent.Close()
	badAgent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badAgent.Close()

	updater := &recordingUpdater{}
	d := NewDispatcher(mapResolver{"A": okAgent.URL, "B": badAgent.URL}, updater,
		"http://hub/api/callback", time.Second, 5, discardLogger())

	failures := d.Fanout(context.Background(), testTask("A", "B", "C"), "tok")

	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %d: %v", len(failures), failures)
	}
	if failures[0].AgentType != "B" || !errors.Is(failures[0], ErrDispatchStatus) {
		t.Errorf("expected B to fail with bad status, got %v", failures[0])
	}
	if failures[1].AgentType != "C" || !errors.Is(failures[1], ErrDispatchUnresolved) {
		t.Errorf("expected C to fail as unresolved, got %v", failures[1])
	}

	got := updater.byAgent()
	if got["B"] != models.SubtaskStatusFailed || got["C"] != models.SubtaskStatusFailed {
		t.Errorf("expected B and C marked failed, got %v", got)
	}
	if _, ok := got["A"]; ok {
		t.Error("successful dispatch must not touch the subtask status")
	}

	mu.Lock()
	defer mu.Unlock()
	if received.TaskID != "t1" || received.UserID != "u1" || received.Token != "tok" {
		t.Errorf("unexpected payload: %+v", received)
	}
	if received.CallbackURL != "http://hub/api/callback/u1/t1/A" {
		t.Errorf("unexpected callback url %q", received.CallbackURL)
	}
	if string(received.Input) != `{"q":"x"}` {
		t.Errorf("unexpected input %s", received.Input)
	}
}

func TestFanout_TimeoutIsTransportFailure(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()

	updater := &recordingUpdater{}
	d := NewDispatcher(mapResolver{"A": slow.URL}, updater, "http://hub/api/callback", 50*time.Millisecond, 1, discardLogger())

	start := time.Now()
	failures := d.Fanout(context.Background(), testTask("A"), "tok")
	if len(failures) != 1 || !errors.Is(failures[0], ErrDispatchTransport) {
		t.Fatalf("expected one transport failure, got %v", failures)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
	if updater.byAgent()["A"] != models.SubtaskStatusFailed {
		t.Error("timed out subtask must be marked failed")
	}
}

func TestFanout_RespectsConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer agent.Close()

	routes := mapResolver{}
	agents := []string{"a1", "a2", "a3", "a4", "a5", "a6"}
	for _, a := range agents {
		routes[a] = agent.URL
	}
	d := NewDispatcher(routes, &recordingUpdater{}, "http://hub/api/callback", time.Second, 2, discardLogger())

	// Two tasks at once share the same admission limit.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f := d.Fanout(context.Background(), testTask(agents...), "tok"); len(f) != 0 {
				t.Errorf("unexpected failures: %v", f)
			}
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("expected at most 2 concurrent calls, saw %d", p)
	}
}

func TestCallbackURL(t *testing.T) {
	d := NewDispatcher(mapResolver{}, &recordingUpdater{}, "http://localhost:8000/api/callback/", 0, 0, nil)
	if got := d.callbackURL("u 1", "t1", "writer"); got != "http://localhost:8000/api/callback/u%201/t1/writer" {
		t.Errorf("callbackURL = %q", got)
	}
	if d.Timeout != DefaultDispatchTimeout {
		t.Errorf("expected default timeout, got %s", d.Timeout)
	}
}

// stallingResolver blocks until the caller's context ends.
type stallingResolver struct{}

func (stallingResolver) Resolve(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// routeResolver sends agent "slow" to stallingResolver and everything else to next.
type routeResolver struct {
	next registry.Resolver
}

func (r routeResolver) Resolve(ctx context.Context, agentType string) (string, error) {
	if agentType == "slow" {
		return stallingResolver{}.Resolve(ctx, agentType)
	}
	return r.next.Resolve(ctx, agentType)
}

func TestFanout_StalledResolutionTimesOutAndFreesSlot(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer agent.Close()

	updater := &recordingUpdater{}
	d := NewDispatcher(routeResolver{next: mapResolver{"fast": agent.URL}}, updater,
		"http://hub/api/callback", 50*time.Millisecond, 1, discardLogger())

	stalled := testTask("slow")
	stalled.ID = "t-stalled"
	other := testTask("fast")
	other.ID = "t-other"

	stalledDone := make(chan []DispatchFailure, 1)
	go func() { stalledDone <- d.Fanout(context.Background(), stalled, "tok") }()
	otherDone := make(chan []DispatchFailure, 1)
	go func() { otherDone <- d.Fanout(context.Background(), other, "tok") }()

	select {
	case f := <-stalledDone:
		if len(f) != 1 || !errors.Is(f[0], ErrDispatchUnresolved) {
			t.Errorf("expected stalled resolution to fail as unresolved, got %v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stalled resolution was not bounded by the dispatch timeout")
	}
	select {
	case f := <-otherDone:
		if len(f) != 0 {
			t.Errorf("other task must dispatch normally, got %v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("other task starved at admission")
	}
	if got := updater.byAgent()["slow"]; got != models.SubtaskStatusFailed {
		t.Errorf("stalled subtask status = %q, want failed", got)
	}
}
