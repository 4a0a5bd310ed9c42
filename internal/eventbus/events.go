package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event
type EventType string

// Standard event types
const (
	// Turn lifecycle events
	EventTurnStarted          EventType = "turn_started"
	EventTurnCacheHit         EventType = "turn_cache_hit"
	EventTurnCacheWriteFailed EventType = "turn_cache_write_failed"
	EventTurnPersisted        EventType = "turn_persisted"
	EventTurnSuccess          EventType = "turn_success"
	EventTurnFailure          EventType = "turn_failure"

	// History events
	EventHistoryLoaded EventType = "history_loaded"

	// Planning events
	EventPlanStarted  EventType = "plan_started"
	EventPlanSuccess  EventType = "plan_success"
	EventPlanFallback EventType = "plan_fallback"

	// Step dispatch events
	EventStepStarted EventType = "step_started"
	EventStepSuccess EventType = "step_success"
	EventStepFailure EventType = "step_failure"
	EventStepRetry   EventType = "step_retry"

	// Retrieval events
	EventRetrievalStarted  EventType = "retrieval_started"
	EventRetrievalSuccess  EventType = "retrieval_success"
	EventRetrievalFallback EventType = "retrieval_fallback"

	// Synthesis events
	EventSynthesisStarted  EventType = "synthesis_started"
	EventSynthesisSuccess  EventType = "synthesis_success"
	EventSynthesisFallback EventType = "synthesis_fallback"

	// Async turn events
	EventAsyncTurnStarted EventType = "async_turn_started"
	EventAsyncTurnSuccess EventType = "async_turn_success"
	EventAsyncTurnFailure EventType = "async_turn_failure"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the system
type Event interface {
	// Type returns the event type
	Type() EventType

	// Payload returns the event data
	Payload() any

	// Metadata returns additional information about the event
	Metadata() map[string]any

	// Timestamp returns when the event occurred
	Timestamp() int64

	// Source returns information about what generated the event
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish sends an event to all subscribed handlers
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types.
	// Returns a subscription ID that can be used to unsubscribe.
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID
	Unsubscribe(subscriptionID string) error

	// Close shuts down the event bus, cleaning up resources
	Close() error
}

// BaseEvent is a simple implementation of the Event interface
type BaseEvent struct {
	eventType  EventType
	payload    any
	metadata   map[string]any
	timestamp  int64
	sourceInfo string
}

// NewEvent creates a new BaseEvent
func NewEvent(eventType EventType, payload any, source string, metadata map[string]any) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

// NewEmptyEvent creates an event with no payload, used mostly by tests and
// system notifications.
func NewEmptyEvent(eventType EventType) *BaseEvent {
	return NewEvent(eventType, nil, "", nil)
}

func (e *BaseEvent) Type() EventType          { return e.eventType }
func (e *BaseEvent) Payload() any             { return e.payload }
func (e *BaseEvent) Metadata() map[string]any { return e.metadata }
func (e *BaseEvent) Timestamp() int64         { return e.timestamp }
func (e *BaseEvent) Source() string           { return e.sourceInfo }

// WithMetadata adds or updates metadata and returns the same event
func (e *BaseEvent) WithMetadata(key string, value any) *BaseEvent {
	e.metadata[key] = value
	return e
}

// AddMetadata adds multiple metadata entries at once and returns the same event
func (e *BaseEvent) AddMetadata(data map[string]any) *BaseEvent {
	for k, v := range data {
		e.metadata[k] = v
	}
	return e
}
