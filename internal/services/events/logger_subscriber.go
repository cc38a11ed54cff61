package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
)

// NewLoggerSubscriber creates an event handler that mirrors every event into
// the structured log. Progress payloads contribute their job and counters.
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		entry := logger.Debug().Str("event_type", string(event.Type))
		if progress, ok := event.Payload.(models.ProgressEvent); ok {
			entry = entry.
				Str("job_id", progress.JobID).
				Str("state", string(progress.State)).
				Int("visited", progress.Stats.Visited).
				Int("queued", progress.Stats.Queued)
		}
		entry.Msg("Event")
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to every crawl event type
// so the log carries a full trace of job activity.
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

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
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	return nil
}
