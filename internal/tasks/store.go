// Package tasks holds the authoritative in-memory record of every composite task.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inaiurai/taskhub/internal/models"
)

var (
	// ErrNotFound is returned for an unknown task id or an agent type outside the task's subtask set.
	ErrNotFound = errors.New("task or agent type not found")
	// ErrAlreadyExists is returned by Create when the task id is taken.
	ErrAlreadyExists = errors.New("task already exists")
	// ErrNoSubtasks is returned by Create when no agent types are given.
	ErrNoSubtasks = errors.New("task needs at least one subtask")
)

// entry owns one task. mu serializes every mutation of that task only, so
// callbacks for different tasks never contend.
type entry struct {
	mu   sync.Mutex
	task models.Task
}

// Store is safe for concurrent use. The zero value is not usable; call NewStore.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]*entry
	order []string // creation order, used for listing

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		byID: make(map[string]*entry),
		now:  time.Now,
	}
}

// Create registers a task with every subtask pending. Duplicate agent types collapse to one key.
func (s *Store) Create(taskID, userID string, input json.RawMessage, subtaskTypes []string) (models.Event, error) {
	if len(subtaskTypes) == 0 {
		return models.Event{}, ErrNoSubtasks
	}
	now := s.now().UTC()
	subtasks := make(map[string]models.SubtaskState, len(subtaskTypes))
	for _, t := range subtaskTypes {
		subtasks[t] = models.SubtaskState{Status: models.SubtaskStatusPending}
	}
	e := &entry{task: models.Task{
		ID:        taskID,
		UserID:    userID,
		InputData: append(json.RawMessage(nil), input...),
		Subtasks:  subtasks,
		CreatedAt: now,
		UpdatedAt: now,
	}}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[taskID]; ok {
		return models.Event{}, fmt.Errorf("create %s: %w", taskID, ErrAlreadyExists)
	}
	s.byID[taskID] = e
	s.order = append(s.order, taskID)
	return e.task.Snapshot(), nil
}

// Update applies a subtask status reported by an agent and returns the
// resulting snapshot. The caller publishes it. Status is last-write-wins per
// subtask; the task's completed flag never reverts once set. fileURL is only
// recorded when non-empty.
func (s *Store) Update(taskID, agentType, status, fileURL string) (models.Event, error) {
	e := s.lookup(taskID)
	if e == nil {
		return models.Event{}, fmt.Errorf("update %s: %w", taskID, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.task.Subtasks[agentType]
	if !ok {
		return models.Event{}, fmt.Errorf("update %s/%s: %w", taskID, agentType, ErrNotFound)
	}
	st.Status = status
	if fileURL != "" {
		st.FileURL = fileURL
	}
	e.task.Subtasks[agentType] = st
	if !e.task.Completed && e.task.AllCompleted() {
		e.task.Completed = true
	}
	e.task.Version++
	e.task.UpdatedAt = s.now().UTC()
	return e.task.Snapshot(), nil
}

// Snapshot returns the current full-state event for the task.
func (s *Store) Snapshot(taskID string) (models.Event, error) {
	e := s.lookup(taskID)
	if e == nil {
		return models.Event{}, fmt.Errorf("snapshot %s: %w", taskID, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Snapshot(), nil
}

// Task returns a deep copy of the task including its owner and input.
func (s *Store) Task(taskID string) (models.Task, error) {
	e := s.lookup(taskID)
	if e == nil {
		return models.Task{}, fmt.Errorf("get %s: %w", taskID, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// ListByUser returns the user's tasks in creation order.
func (s *Store) ListByUser(userID string) []models.TaskSummary {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.byID[id])
	}
	s.mu.RUnlock()

	out := []models.TaskSummary{}
	for _, e := range entries {
		e.mu.Lock()
		if e.task.UserID == userID {
			out = append(out, models.TaskSummary{
				Event:     e.task.Snapshot(),
				InputData: append(json.RawMessage(nil), e.task.InputData...),
			})
		}
		e.mu.Unlock()
	}
	return out
}

// Reap removes a task. It reports whether the task existed.
func (s *Store) Reap(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[taskID]; !ok {
		return false
	}
	delete(s.byID, taskID)
	for i, id := range s.order {
		if id == taskID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Expired returns the ids of tasks whose last activity is older than ttl.
func (s *Store) Expired(now time.Time, ttl time.Duration) []string {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.byID[id])
	}
	s.mu.RUnlock()

	var ids []string
	for _, e := range entries {
		e.mu.Lock()
		if now.Sub(e.task.UpdatedAt) > ttl {
			ids = append(ids, e.task.ID)
		}
		e.mu.Unlock()
	}
	return ids
}

// Len returns the number of live tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *Store) lookup(taskID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[taskID]
}
