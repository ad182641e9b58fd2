// Package events fans task snapshots out to live stream subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/inaiurai/taskhub/internal/models"
)

var (
	// ErrNotFound is returned by Subscribe for a task that has no topic.
	ErrNotFound = errors.New("no event topic for task")
	// ErrClosed is returned by Next once the terminal close has been consumed.
	ErrClosed = errors.New("subscription closed")
)

// topic is the per-task delivery state. Events are delivered strictly in
// version order; versions that arrive early wait in pending.
type topic struct {
	latest    models.Event
	delivered uint64
	pending   map[uint64]models.Event
	subs      map[*Subscription]struct{}
}

// Hub is safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic

	// OnSubscribersChanged, when set, receives the delta of live subscriptions.
	OnSubscribersChanged func(delta int)
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Open creates the topic for a new task, seeded with its creation snapshot.
// Opening an existing topic is a no-op.
func (h *Hub) Open(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[ev.TaskID]; ok {
		return
	}
	h.topics[ev.TaskID] = &topic{
		latest:    ev,
		delivered: ev.Version,
		pending:   make(map[uint64]models.Event),
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber and immediately queues the latest
// snapshot. If the task has already completed, the close follows the replay
// and the subscriber is not registered.
func (h *Hub) Subscribe(taskID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[taskID]
	if !ok {
		return nil, fmt.Errorf("subscribe %s: %w", taskID, ErrNotFound)
	}
	sub := newSubscription(h, taskID)
	sub.push(t.latest)
	if t.latest.Completed {
		sub.finish()
		return sub, nil
	}
	t.subs[sub] = struct{}{}
	h.subscribersChanged(1)
	return sub, nil
}

// Publish hands a committed snapshot to the topic. Delivery to subscribers
// happens in version order regardless of the order concurrent callers reach
// Publish. Events for unknown topics or already delivered versions are dropped.
func (h *Hub) Publish(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[ev.TaskID]
	if !ok || ev.Version <= t.delivered {
		return
	}
	t.pending[ev.Version] = ev
	for {
		next, ok := t.pending[t.delivered+1]
		if !ok {
			return
		}
		delete(t.pending, next.Version)
		t.delivered = next.Version
		t.latest = next
		h.deliver(t, next)
	}
}

// deliver runs with h.mu held. Queue pushes never block.
func (h *Hub) deliver(t *topic, ev models.Event) {
	for sub := range t.subs {
		sub.push(ev)
		if ev.Completed {
			sub.finish()
		}
	}
	if ev.Completed && len(t.subs) > 0 {
		h.subscribersChanged(-len(t.subs))
		clear(t.subs)
	}
}

// Unsubscribe removes the subscription from its topic. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if t, ok := h.topics[sub.taskID]; ok {
		if _, ok := t.subs[sub]; ok {
			delete(t.subs, sub)
			h.subscribersChanged(-1)
		}
	}
	h.mu.Unlock()
	sub.finish()
}

// Close drops the task's topic and ends every open stream on it.
func (h *Hub) Close(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[taskID]
	if !ok {
		return
	}
	for sub := range t.subs {
		sub.finish()
	}
	if len(t.subs) > 0 {
		h.subscribersChanged(-len(t.subs))
	}
	delete(h.topics, taskID)
}

// Subscribers returns the number of live subscriptions on the task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[taskID]; ok {
		return len(t.subs)
	}
	return 0
}

// Latest returns the most recently delivered snapshot of the task.
func (h *Hub) Latest(taskID string) (models.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[taskID]; ok {
		return t.latest, true
	}
	return models.Event{}, false
}

func (h *Hub) subscribersChanged(delta int) {
	if h.OnSubscribersChanged != nil {
		h.OnSubscribersChanged(delta)
	}
}

// Subscription is one consumer's isolated, unbounded queue.
type Subscription struct {
	hub    *Hub
	taskID string

	mu     sync.Mutex
	queue  []models.Event
	done   bool
	notify chan struct{}
}

func newSubscription(h *Hub, taskID string) *Subscription {
	return &Subscription{hub: h, taskID: taskID, notify: make(chan struct{}, 1)}
}

// TaskID returns the task this subscription streams.
func (s *Subscription) TaskID() string { return s.taskID }

// Next blocks until an event is available. After the close signal and all
// queued events have been consumed it returns ErrClosed.
func (s *Subscription) Next(ctx context.Context) (models.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = models.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.done {
			s.mu.Unlock()
			return models.Event{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		}
	}
}

// Close unsubscribes. It is meant to be deferred by the stream consumer.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

func (s *Subscription) push(ev models.Event) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
