package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventCrawlProgress carries a models.ProgressEvent snapshot while a
	// job is running.
	EventCrawlProgress EventType = "crawl_progress"

	// Job lifecycle transitions.
	EventJobStarted   EventType = "job_started"
	EventJobPaused    EventType = "job_paused"
	EventJobResumed   EventType = "job_resumed"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobStopped   EventType = "job_stopped"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Unsubscribe from an event type
	Unsubscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
