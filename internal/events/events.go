// Package events decouples the task registry from collaborators that want
// to observe terminal task states, such as a notification sender. The
// registry emits an event on every terminal transition; handlers register
// with an emitter and never see tasks that are still running.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskEvent describes one task reaching a terminal state.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// TaskID is the textual task identifier the event refers to
	TaskID string `json:"task_id"`

	// User is the user that initiated the task
	User string `json:"user"`

	// State is the terminal state the task reached ("ok", "warning", "error")
	State string `json:"state"`

	// Message carries the error summary for failed tasks, empty otherwise
	Message string `json:"message,omitempty"`

	// OccurredAt is the timestamp when the task finished
	OccurredAt time.Time `json:"occurred_at"`
}

// NewTaskEvent creates a TaskEvent for the given terminal transition.
func NewTaskEvent(taskID, user, state, message string) *TaskEvent {
	return &TaskEvent{
		ID:         uuid.New(),
		TaskID:     taskID,
		User:       user,
		State:      state,
		Message:    message,
		OccurredAt: time.Now(),
	}
}

// Handler defines an interface for components that can handle events.
type Handler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// Emitter defines an interface for components that can emit events.
// This allows the registry to publish events without direct knowledge
// of handlers.
type Emitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}
