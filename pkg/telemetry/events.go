package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification for an execution or one of its steps.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	ExecutionID string `json:"execution_id"`
	RecipeID    string `json:"recipe_id,omitempty"`

	// StepIndex is -1 for execution-level events.
	StepIndex int `json:"step_index"`

	Message string                 `json:"message"`
	Level   string                 `json:"level"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Event types published by the engine and job control.
const (
	EventTypeExecutionCreated   = "execution.created"
	EventTypeExecutionStarted   = "execution.started"
	EventTypeExecutionProgress  = "execution.progress"
	EventTypeExecutionCompleted = "execution.completed"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypeExecutionCancelled = "execution.cancelled"
	EventTypeStepStarted        = "step.started"
	EventTypeStepCompleted      = "step.completed"
	EventTypeStepSkipped        = "step.skipped"
	EventTypeStepFailed         = "step.failed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// IsTerminal reports whether no further events follow for the execution.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventTypeExecutionCompleted, EventTypeExecutionFailed, EventTypeExecutionCancelled:
		return true
	}
	return false
}

// EventSubscriber handles one event. It runs on the publishing goroutine, or the
// delivery goroutine in async mode, and must not block.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber sees. A nil filter matches all.
type EventFilter func(event Event) bool

type subscription struct {
	handle EventSubscriber
	filter EventFilter
}

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher closed")

// ErrEventDropped is returned by an async Publish whose queue is full.
var ErrEventDropped = errors.New("event queue full, event dropped")

// EventPublisher fans events out to in-process subscribers. Delivery is best
// effort: a full queue or subscriber channel drops the event.
type EventPublisher struct {
	config EventsConfig

	mu     sync.RWMutex
	subs   []*subscription
	queue  chan Event
	closed bool
	done   chan struct{}
}

// NewEventPublisher creates a publisher. With EnableAsync, events are queued and
// delivered by a single goroutine until Shutdown.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg, done: make(chan struct{})}
	if !cfg.Enabled {
		close(ep.done)
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	if !cfg.EnableAsync {
		close(ep.done)
		return ep, nil
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	go func() {
		defer close(ep.done)
		for event := range ep.queue {
			ep.deliver(event)
		}
	}()
	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish fills in ID, Timestamp and Level when unset and delivers the event.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return ErrEventDropped
	}
}

// Subscribe registers handle for events matching filter and returns the function
// that removes it.
func (ep *EventPublisher) Subscribe(handle EventSubscriber, filter EventFilter) func() {
	if !ep.enabled() {
		return func() {}
	}

	sub := &subscription{handle: handle, filter: filter}
	ep.mu.Lock()
	ep.subs = append(ep.subs, sub)
	ep.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { ep.remove(sub) })
	}
}

func (ep *EventPublisher) remove(sub *subscription) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for i, s := range ep.subs {
		if s == sub {
			ep.subs = append(ep.subs[:i:i], ep.subs[i+1:]...)
			return
		}
	}
}

// SubscribeExecution returns a channel of the events of one execution. The channel
// is never closed; events that do not fit are dropped.
func (ep *EventPublisher) SubscribeExecution(executionID string) (<-chan Event, func()) {
	if !ep.enabled() {
		return make(chan Event), func() {}
	}

	size := ep.config.SubscriberBuffer
	if size <= 0 {
		size = 64
	}
	ch := make(chan Event, size)
	unsubscribe := ep.Subscribe(
		func(event Event) {
			select {
			case ch <- event:
			default:
			}
		},
		func(event Event) bool { return event.ExecutionID == executionID },
	)
	return ch, unsubscribe
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := ep.subs
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			s.handle(event)
		}
	}
}

// Shutdown stops accepting events and waits until queued events are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}

	ep.mu.Lock()
	if !ep.closed && ep.queue != nil {
		close(ep.queue)
	}
	ep.closed = true
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}
