package domain

import "time"

// CustomWritingTask is the custom-field key carrying a caller-supplied
// writing task on an inbound message. Its value is appended to the
// assistant instructions for the resulting generation.
const CustomWritingTask = "writing_task"

// ChannelMessage is a single transcript entry in a conversation.
type ChannelMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id,omitempty"`
	Text           string            `json:"text"`
	AIGenerated    bool              `json:"ai_generated,omitempty"`
	Generating     bool              `json:"generating,omitempty"`
	Custom         map[string]string `json:"custom,omitempty"`
	CreatedAt      time.Time         `json:"created_at,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at,omitempty"`
}

// TranscriptUpdate is a partial update applied to an existing message.
// A nil SetText leaves the text untouched (used to clear the generating
// flag without overwriting partially streamed content).
type TranscriptUpdate struct {
	SetText    *string
	Generating bool
}

// Text returns a TranscriptUpdate that sets both text and the generating flag.
func Text(text string, generating bool) TranscriptUpdate {
	return TranscriptUpdate{SetText: &text, Generating: generating}
}

// ClearGenerating returns a TranscriptUpdate that only clears the
// generating flag.
func ClearGenerating() TranscriptUpdate {
	return TranscriptUpdate{}
}
