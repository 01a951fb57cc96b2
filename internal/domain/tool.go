package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the provider's function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is the provider's request to invoke a tool mid-generation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolOutput pairs a tool call with its serialized result, echoed back
// to the provider to resume generation.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolRunner executes a tool call by name. The returned output is always
// serialized structured data, never an error: failures are folded into
// the payload so the provider can incorporate them as context. A false
// second return marks the tool name as unrecognized, in which case no
// output must be submitted for the call.
type ToolRunner interface {
	Execute(ctx context.Context, call ToolCall) (output string, recognized bool)
	Schemas() []ToolSchema
}
