package models

import (
	"encoding/json"
	"time"
)

// Subtask status enum reported by agents through callbacks.
const (
	SubtaskStatusPending   = "pending"
	SubtaskStatusRunning   = "running"
	SubtaskStatusCompleted = "completed"
	SubtaskStatusFailed    = "failed"
)

// ValidSubtaskStatus reports whether s is one of the four recognised statuses.
func ValidSubtaskStatus(s string) bool {
	switch s {
	case SubtaskStatusPending, SubtaskStatusRunning, SubtaskStatusCompleted, SubtaskStatusFailed:
		return true
	}
	return false
}

type SubtaskState struct {
	Status  string `json:"status"`
	FileURL string `json:"file_url"`
}

// Task is a composite unit of work. The subtask key set is fixed at creation.
type Task struct {
	ID        string                  `json:"task_id"`
	UserID    string                  `json:"user_id"`
	InputData json.RawMessage         `json:"input_data"`
	Subtasks  map[string]SubtaskState `json:"status"`
	Completed bool                    `json:"completed"`
	Version   uint64                  `json:"version"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Event is the full-state snapshot pushed to subscribers. Version increases by
// one with every accepted update of the task; the creation snapshot is 0.
type Event struct {
	TaskID    string                  `json:"task_id"`
	Status    map[string]SubtaskState `json:"status"`
	Completed bool                    `json:"completed"`
	Version   uint64                  `json:"version"`
}

// TaskSummary is the listing form returned to task owners.
type TaskSummary struct {
	Event
	InputData json.RawMessage `json:"input_data"`
}

// Clone returns a deep copy so callers never share the subtask map.
func (t *Task) Clone() Task {
	cp := *t
	cp.Subtasks = cloneSubtasks(t.Subtasks)
	if t.InputData != nil {
		cp.InputData = append(json.RawMessage(nil), t.InputData...)
	}
	return cp
}

// Snapshot builds the event for the task's current state.
func (t *Task) Snapshot() Event {
	return Event{
		TaskID:    t.ID,
		Status:    cloneSubtasks(t.Subtasks),
		Completed: t.Completed,
		Version:   t.Version,
	}
}

// AllCompleted reports whether every subtask has status completed.
func (t *Task) AllCompleted() bool {
	for _, s := range t.Subtasks {
		if s.Status != SubtaskStatusCompleted {
			return false
		}
	}
	return true
}

func cloneSubtasks(in map[string]SubtaskState) map[string]SubtaskState {
	out := make(map[string]SubtaskState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
