package provider

import (
	"encoding/json"

	"scribe-ai/internal/domain"
)

// --- Assistants API wire types ---

type wireTool struct {
	Type     string        `json:"type"`
	Function *wireFunction `json:"function,omitempty"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type createAssistantRequest struct {
	Name         string     `json:"name"`
	Model        string     `json:"model"`
	Instructions string     `json:"instructions,omitempty"`
	Temperature  *float64   `json:"temperature,omitempty"`
	Tools        []wireTool `json:"tools,omitempty"`
}

type assistantObject struct {
	ID string `json:"id"`
}

type threadObject struct {
	ID string `json:"id"`
}

type createMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type createRunRequest struct {
	AssistantID            string `json:"assistant_id"`
	AdditionalInstructions string `json:"additional_instructions,omitempty"`
	Stream                 bool   `json:"stream"`
}

type submitToolOutputsRequest struct {
	ToolOutputs []wireToolOutput `json:"tool_outputs"`
	Stream      bool             `json:"stream"`
}

type wireToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// runObject is the run payload carried by run lifecycle stream events.
type runObject struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	RequiredAction *requiredAction `json:"required_action,omitempty"`
	LastError      *runError       `json:"last_error,omitempty"`
}

type requiredAction struct {
	Type              string             `json:"type"`
	SubmitToolOutputs *submitToolOutputs `json:"submit_tool_outputs,omitempty"`
}

type submitToolOutputs struct {
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireCallFunction `json:"function"`
}

type wireCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// runStepObject is the payload of thread.run.step.* events.
type runStepObject struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
}

// messageObject is the payload of thread.message.created.
type messageObject struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
}

// messageDeltaObject is the payload of thread.message.delta.
type messageDeltaObject struct {
	ID    string       `json:"id"`
	Delta messageDelta `json:"delta"`
}

type messageDelta struct {
	Content []deltaContent `json:"content"`
}

type deltaContent struct {
	Index int        `json:"index"`
	Type  string     `json:"type"`
	Text  *deltaText `json:"text,omitempty"`
}

type deltaText struct {
	Value string `json:"value"`
}

type runError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toWireTools(schemas []domain.ToolSchema) []wireTool {
	tools := make([]wireTool, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, wireTool{
			Type: "function",
			Function: &wireFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return tools
}

func toDomainToolCalls(calls []wireToolCall) []domain.ToolCall {
	out := make([]domain.ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.Type != "function" {
			continue
		}
		out = append(out, domain.ToolCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: json.RawMessage(c.Function.Arguments),
		})
	}
	return out
}
