package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// EventMessageReceived fires for every inbound transcript message
	// delivered by the chat transport.
	EventMessageReceived EventType = "message.received"
	// EventGenerationCancel fires when an observer requests that the
	// generation filling a specific message be stopped.
	EventGenerationCancel EventType = "generation.cancel"
	// EventGenerationDone fires after a response handler disposes.
	EventGenerationDone EventType = "generation.done"
)

// MessageReceivedPayload is the payload for EventMessageReceived.
type MessageReceivedPayload struct {
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	Text           string            `json:"text"`
	SenderID       string            `json:"sender_id,omitempty"`
	AIGenerated    bool              `json:"ai_generated,omitempty"`
	Custom         map[string]string `json:"custom,omitempty"`
}

// GenerationCancelPayload is the payload for EventGenerationCancel.
type GenerationCancelPayload struct {
	MessageID string `json:"message_id"`
}

// GenerationDonePayload is the payload for EventGenerationDone.
type GenerationDonePayload struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	State          GenerationState `json:"state"`
}

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NewEvent marshals payload and wraps it in an Event envelope.
// A payload that fails to marshal is dropped silently; the envelope is
// still returned so callers can publish unconditionally.
func NewEvent(eventType EventType, payload any) Event {
	ev := Event{Type: eventType, Timestamp: time.Now()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}
