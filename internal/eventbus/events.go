package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event
type EventType string

// Standard event types
const (
	// Workflow run events
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"

	// Step events
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventStepSkipped   EventType = "step_skipped"

	// Layer dispatch events
	EventLayerSelected EventType = "layer_selected"
	EventLayerRetry    EventType = "layer_retry"
	EventLayerFallback EventType = "layer_fallback"
	EventLayerSuccess  EventType = "layer_success"
	EventLayerFailure  EventType = "layer_failure"
	EventLayerCacheHit EventType = "layer_cache_hit"

	// System events
	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the system
type Event interface {
	Type() EventType
	Payload() interface{}
	Metadata() map[string]interface{}
	// Timestamp is the creation time in Unix nanoseconds.
	Timestamp() int64
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish sends an event to all subscribed handlers
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types and returns
	// a subscription ID that can be used to unsubscribe
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types
	SubscribeAll(handler EventHandler) (string, error)

	Unsubscribe(subscriptionID string) error

	// Close shuts down the event bus
	Close() error
}

// WorkflowPayload accompanies workflow_* events.
type WorkflowPayload struct {
	RunID      string        `json:"run_id"`
	WorkflowID string        `json:"workflow_id"`
	Steps      int           `json:"steps"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// StepPayload accompanies step_* events.
type StepPayload struct {
	RunID      string        `json:"run_id"`
	WorkflowID string        `json:"workflow_id"`
	StepID     string        `json:"step_id"`
	Layer      string        `json:"layer,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// LayerPayload accompanies layer_* events.
type LayerPayload struct {
	Layer    string        `json:"layer"`
	Kind     string        `json:"kind"`
	Attempt  int           `json:"attempt,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	CacheHit string        `json:"cache_hit,omitempty"`
}

// BaseEvent is a simple implementation of the Event interface
type BaseEvent struct {
	eventType  EventType
	payload    interface{}
	metadata   map[string]interface{}
	timestamp  int64
	sourceInfo string
}

// NewEvent creates a new BaseEvent
func NewEvent(
	eventType EventType,
	payload interface{},
	source string,
	metadata map[string]interface{},
) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

func (e *BaseEvent) Type() EventType {
	return e.eventType
}

func (e *BaseEvent) Payload() interface{} {
	return e.payload
}

func (e *BaseEvent) Metadata() map[string]interface{} {
	return e.metadata
}

func (e *BaseEvent) Timestamp() int64 {
	return e.timestamp
}

func (e *BaseEvent) Source() string {
	return e.sourceInfo
}

// WithMetadata adds or updates metadata and returns the same event
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata[key] = value
	return e
}

// Emit publishes an event when bus is non-nil. Publishing failures are
// returned to the caller, who usually only logs them.
func Emit(ctx context.Context, bus EventBus, eventType EventType, payload interface{}, source string) error {
	if bus == nil {
		return nil
	}
	return bus.Publish(ctx, NewEvent(eventType, payload, source, nil))
}
