package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kaptinlin/jsonschema"

	"scribe-ai/internal/domain"
)

// toolFailurePayload is the output submitted for a recognized tool call
// that could not be completed: bad arguments or a failed execution.
const toolFailurePayload = `{"error": "failed to call tool"}`

type registeredTool struct {
	tool   domain.Tool
	schema *jsonschema.Schema // nil when the tool declares no parameters
}

// Runner resolves and executes tool calls issued by the provider. Execution
// never fails from the caller's perspective: argument and execution problems
// become structured payloads, and an unrecognized tool name yields no output
// at all.
type Runner struct {
	tools  map[string]registeredTool
	order  []string
	logger *slog.Logger
}

// NewRunner creates an empty tool runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		tools:  make(map[string]registeredTool),
		logger: logger,
	}
}

// Register adds a tool, compiling its parameter schema for argument
// validation. Returns an error on duplicate names or invalid schemas.
func (r *Runner) Register(t domain.Tool) error {
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	var schema *jsonschema.Schema
	if raw := t.Schema().Parameters; len(raw) > 0 && string(raw) != "null" {
		compiler := jsonschema.NewCompiler()
		compiled, err := compiler.Compile([]byte(raw))
		if err != nil {
			return fmt.Errorf("compile schema for %q: %w", name, err)
		}
		schema = compiled
	}

	r.tools[name] = registeredTool{tool: t, schema: schema}
	r.order = append(r.order, name)
	return nil
}

// Execute implements domain.ToolRunner.
func (r *Runner) Execute(ctx context.Context, call domain.ToolCall) (string, bool) {
	reg, ok := r.tools[call.Name]
	if !ok {
		r.logger.Warn("unrecognized tool call", "tool", call.Name, "call_id", call.ID)
		return "", false
	}

	if reg.schema != nil {
		var args any
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			r.logger.Warn("tool arguments are not valid JSON", "tool", call.Name, "error", err)
			return toolFailurePayload, true
		}
		if result := reg.schema.Validate(args); !result.IsValid() {
			r.logger.Warn("tool arguments rejected by schema", "tool", call.Name, "error", result.Error())
			return toolFailurePayload, true
		}
	}

	result, err := reg.tool.Execute(ctx, call.Arguments)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return toolFailurePayload, true
	}
	if result.IsError {
		r.logger.Warn("tool returned error result", "tool", call.Name, "content", result.Content)
		return toolFailurePayload, true
	}

	return result.Content, true
}

// Schemas implements domain.ToolRunner. Schemas are returned in
// registration order.
func (r *Runner) Schemas() []domain.ToolSchema {
	schemas := make([]domain.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		schemas = append(schemas, r.tools[name].tool.Schema())
	}
	return schemas
}

var _ domain.ToolRunner = (*Runner)(nil)
