package domain

// GenerationState is the lifecycle state of a single streamed response.
type GenerationState string

const (
	StatePending       GenerationState = "PENDING"
	StateGenerating    GenerationState = "GENERATING"
	StateAwaitingTools GenerationState = "AWAITING_TOOLS"
	StateCompleted     GenerationState = "COMPLETED"
	StateCancelled     GenerationState = "CANCELLED"
	StateError         GenerationState = "ERROR"
)

// Terminal reports whether s is a terminal state.
func (s GenerationState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateError:
		return true
	}
	return false
}

// RunEventType identifies the kind of event emitted on a generation stream.
type RunEventType string

const (
	RunEventStepCreated    RunEventType = "run.step.created"
	RunEventMessageCreated RunEventType = "message.created"
	RunEventTextDelta      RunEventType = "text.delta"
	RunEventRequiresAction RunEventType = "run.requires_action"
	RunEventCompleted      RunEventType = "run.completed"
	RunEventFailed         RunEventType = "run.failed"
)

// RunEvent is one event on a generation stream. Events arrive in
// provider-emitted order; the channel is closed after a terminal event
// or when the underlying stream ends.
type RunEvent struct {
	Type      RunEventType
	RunID     string     // set on RunEventStepCreated (and later events when known)
	TextDelta string     // set on RunEventTextDelta
	ToolCalls []ToolCall // set on RunEventRequiresAction
	Err       error      // set on RunEventFailed
}
