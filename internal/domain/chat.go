package domain

import "context"

// TranscriptStore is the durable conversation transcript.
type TranscriptStore interface {
	// SendMessage creates a new transcript entry and returns it with
	// server-assigned fields populated.
	SendMessage(ctx context.Context, msg ChannelMessage) (*ChannelMessage, error)
	// PartialUpdateMessage applies a partial update to an existing entry.
	PartialUpdateMessage(ctx context.Context, messageID string, update TranscriptUpdate) error
	// GetMessage fetches the current state of a transcript entry.
	GetMessage(ctx context.Context, messageID string) (*ChannelMessage, error)
}

// IndicatorState is an ephemeral generation status shown to observers.
type IndicatorState string

const (
	IndicatorThinking        IndicatorState = "AI_STATE_THINKING"
	IndicatorGenerating      IndicatorState = "AI_STATE_GENERATING"
	IndicatorExternalSources IndicatorState = "AI_STATE_EXTERNAL_SOURCES"
	IndicatorError           IndicatorState = "AI_STATE_ERROR"
)

// ChannelEvent is an ephemeral event on a conversation's side channel.
// Not part of the durable transcript.
type ChannelEvent struct {
	Type      string         `json:"type"`
	MessageID string         `json:"message_id"`
	State     IndicatorState `json:"ai_state,omitempty"`
}

// Side-channel event types.
const (
	ChannelEventIndicatorUpdate = "ai_indicator.update"
	ChannelEventIndicatorClear  = "ai_indicator.clear"
	ChannelEventIndicatorStop   = "ai_indicator.stop"
)

// SideChannel delivers ephemeral events to a conversation's observers.
type SideChannel interface {
	SendEvent(ctx context.Context, conversationID string, event ChannelEvent) error
}

// IndicatorSender broadcasts generation status indicators. Failures are
// advisory: implementations log and never propagate them.
type IndicatorSender interface {
	Update(ctx context.Context, conversationID, messageID string, state IndicatorState)
	Clear(ctx context.Context, conversationID, messageID string)
}
