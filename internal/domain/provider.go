package domain

import "context"

// Thread is the provider-side conversation context. The provider uses it
// to maintain dialogue history across generations in one conversation.
type Thread struct {
	ID string
}

// AssistantSpec defines the assistant persona registered with the provider.
type AssistantSpec struct {
	Name         string
	Model        string
	Instructions string
	Temperature  float64
	Tools        []ToolSchema
}

// GenerationProvider is the streamed-generation service. Implementations
// translate these operations onto the provider's wire protocol.
type GenerationProvider interface {
	// CreateAssistant registers the assistant persona and returns its ID.
	CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error)
	// CreateThread opens a new conversation context.
	CreateThread(ctx context.Context) (*Thread, error)
	// AppendUserMessage appends user text to the thread's history.
	AppendUserMessage(ctx context.Context, threadID, text string) error
	// StartRun begins a streamed generation of the assistant against the
	// thread. The returned channel is closed after a terminal event.
	StartRun(ctx context.Context, threadID, assistantID, instructions string) (<-chan RunEvent, error)
	// SubmitToolOutputs resumes a paused run with tool results and
	// returns the continuation stream.
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (<-chan RunEvent, error)
	// CancelRun requests best-effort upstream cancellation of a run.
	CancelRun(ctx context.Context, threadID, runID string) error
	// Name returns the provider identifier for logging.
	Name() string
}
