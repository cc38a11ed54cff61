package events

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
)

// TestNewLoggerSubscriber verifies the subscriber accepts progress payloads
// and events without a payload.
func TestNewLoggerSubscriber(t *testing.T) {
	logger := arbor.NewLogger()
	subscriber := NewLoggerSubscriber(logger)

	ctx := context.Background()
	event := interfaces.Event{
		Type: interfaces.EventCrawlProgress,
		Payload: models.ProgressEvent{
			JobID:     "test-job-123",
			State:     models.JobStateRunning,
			Stats:     models.CrawlStats{Visited: 3, Queued: 7},
			Timestamp: time.Now().UTC(),
		},
	}
	if err := subscriber(ctx, event); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	bare := interfaces.Event{
		Type:    interfaces.EventJobCompleted,
		Payload: nil,
	}
	if err := subscriber(ctx, bare); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

// TestSubscribeLoggerToAllEvents verifies publishing every crawl event type
// succeeds once the logger is attached.
func TestSubscribeLoggerToAllEvents(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := NewService(logger)
	defer eventService.Close()

	if err := SubscribeLoggerToAllEvents(eventService, logger); err != nil {
		t.Fatalf("Failed to subscribe logger: %v", err)
	}

	ctx := context.Background()
	eventTypes := []interfaces.EventType{
		interfaces.EventCrawlProgress,
		interfaces.EventJobStarted,
		interfaces.EventJobPaused,
		interfaces.EventJobResumed,
		interfaces.EventJobCompleted,
		interfaces.EventJobFailed,
		interfaces.EventJobStopped,
	}
	for _, eventType := range eventTypes {
		event := interfaces.Event{
			Type:    eventType,
			Payload: models.ProgressEvent{JobID: "test-job"},
		}
		if err := eventService.PublishSync(ctx, event); err != nil {
			t.Errorf("Expected no error publishing %s event, got: %v", eventType, err)
		}
	}
}

// TestLoggerSubscriberDoesNotInterfere verifies the logger subscriber leaves
// other handlers untouched.
func TestLoggerSubscriberDoesNotInterfere(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := NewService(logger)
	defer eventService.Close()

	if err := SubscribeLoggerToAllEvents(eventService, logger); err != nil {
		t.Fatalf("Failed to subscribe logger: %v", err)
	}

	callCount := 0
	customHandler := func(ctx context.Context, event interfaces.Event) error {
		callCount++
		return nil
	}
	if err := eventService.Subscribe(interfaces.EventJobStarted, customHandler); err != nil {
		t.Fatalf("Failed to subscribe custom handler: %v", err)
	}

	event := interfaces.Event{
		Type:    interfaces.EventJobStarted,
		Payload: models.ProgressEvent{JobID: "test-job"},
	}
	if err := eventService.PublishSync(context.Background(), event); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if callCount != 1 {
		t.Errorf("Expected custom handler to be called once, got: %d", callCount)
	}
}
