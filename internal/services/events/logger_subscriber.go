package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/interfaces"
)

// NewLoggerSubscriber creates an event handler that logs events.
// worker_fatal is an operator alert and is logged at error level.
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		var jobID, sessionID, status, reason string
		slotID := -1
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			jobID, _ = payload["job_id"].(string)
			sessionID, _ = payload["session_id"].(string)
			status, _ = payload["status"].(string)
			reason, _ = payload["reason"].(string)
			if id, ok := payload["slot_id"].(int); ok {
				slotID = id
			}
		}

		logEvent := logger.Debug()
		if event.Type == interfaces.EventWorkerFatal {
			logEvent = logger.Error()
		}
		logEvent = logEvent.Str("event_type", string(event.Type))

		if jobID != "" {
			logEvent = logEvent.Str("job_id", jobID)
		}
		if sessionID != "" {
			logEvent = logEvent.Str("session_id", sessionID)
		}
		if status != "" {
			logEvent = logEvent.Str("status", status)
		}
		if slotID >= 0 {
			logEvent = logEvent.Int("slot_id", slotID)
		}
		if reason != "" {
			logEvent = logEvent.Str("reason", reason)
		}

		if event.Type == interfaces.EventWorkerFatal {
			logEvent.Msg("Browser worker removed from rotation, pool capacity degraded")
		} else {
			logEvent.Msg("Event published")
		}
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range interfaces.AllEventTypes {
		if eventType == interfaces.EventSlotState {
			continue // too chatty
		}
		if _, err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(interfaces.AllEventTypes)-1).
		Msg("Logger subscribed to event types")

	return nil
}
