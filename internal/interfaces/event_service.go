package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventJobQueued    EventType = "job_queued"
	EventJobStarted   EventType = "job_started"
	EventJobRetrying  EventType = "job_retrying"
	EventJobCompleted EventType = "job_completed" // any terminal status
	EventSlotState    EventType = "slot_state"
	EventWorkerFatal  EventType = "worker_fatal"
	EventSessionSaved EventType = "session_saved"
)

// AllEventTypes lists every event type published by the service
var AllEventTypes = []EventType{
	EventJobQueued,
	EventJobStarted,
	EventJobRetrying,
	EventJobCompleted,
	EventSlotState,
	EventWorkerFatal,
	EventSessionSaved,
}

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type, returning an id usable with Unsubscribe
	Subscribe(eventType EventType, handler EventHandler) (string, error)

	// Unsubscribe removes a previously registered handler
	Unsubscribe(eventType EventType, subscriptionID string) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
