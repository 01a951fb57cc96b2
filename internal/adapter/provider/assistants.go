package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"scribe-ai/internal/domain"
	"scribe-ai/internal/infra/config"
	"scribe-ai/internal/infra/tracer"
)

// AssistantsClient implements domain.GenerationProvider against an
// OpenAI-compatible Assistants v2 API.
type AssistantsClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewAssistantsClient creates a client with pooled transport. Returns an
// error when the API key is missing, so misconfiguration surfaces at
// startup instead of on the first run.
func NewAssistantsClient(cfg config.ProviderConfig, logger *slog.Logger) (*AssistantsClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: provider api key is missing", domain.ErrConfigLoad)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &AssistantsClient{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}, nil
}

func (c *AssistantsClient) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"OpenAI-Beta":   "assistants=v2",
	}
}

// CreateAssistant implements domain.GenerationProvider.
func (c *AssistantsClient) CreateAssistant(ctx context.Context, spec domain.AssistantSpec) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "provider.create_assistant",
		trace.WithAttributes(tracer.StringAttr("assistant.model", spec.Model)),
	)
	defer span.End()

	req := createAssistantRequest{
		Name:         spec.Name,
		Model:        spec.Model,
		Instructions: spec.Instructions,
		Tools:        toWireTools(spec.Tools),
	}
	if spec.Temperature > 0 {
		req.Temperature = &spec.Temperature
	}

	body, err := json.Marshal(req)
	if err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, c.client, http.MethodPost, c.baseURL+"/assistants", body, c.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	var assistant assistantObject
	if err := json.Unmarshal(respBody, &assistant); err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	tracer.SetOK(span)
	c.logger.Debug("assistant created", "assistant_id", assistant.ID, "model", spec.Model)
	return assistant.ID, nil
}

// CreateThread implements domain.GenerationProvider.
func (c *AssistantsClient) CreateThread(ctx context.Context) (*domain.Thread, error) {
	ctx, span := tracer.StartSpan(ctx, "provider.create_thread")
	defer span.End()

	respBody, err := doJSONRequest(ctx, c.client, http.MethodPost, c.baseURL+"/threads", []byte("{}"), c.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var thread threadObject
	if err := json.Unmarshal(respBody, &thread); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	tracer.SetOK(span)
	return &domain.Thread{ID: thread.ID}, nil
}

// AppendUserMessage implements domain.GenerationProvider.
func (c *AssistantsClient) AppendUserMessage(ctx context.Context, threadID, text string) error {
	ctx, span := tracer.StartSpan(ctx, "provider.append_message")
	defer span.End()

	body, err := json.Marshal(createMessageRequest{Role: "user", Content: text})
	if err != nil {
		tracer.RecordError(span, err)
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/threads/%s/messages", c.baseURL, threadID)
	if _, err := doJSONRequest(ctx, c.client, http.MethodPost, url, body, c.headers()); err != nil {
		tracer.RecordError(span, err)
		return err
	}

	tracer.SetOK(span)
	return nil
}

// StartRun implements domain.GenerationProvider.
func (c *AssistantsClient) StartRun(ctx context.Context, threadID, assistantID, instructions string) (<-chan domain.RunEvent, error) {
	body, err := json.Marshal(createRunRequest{
		AssistantID:            assistantID,
		AdditionalInstructions: instructions,
		Stream:                 true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/threads/%s/runs", c.baseURL, threadID)
	resp, err := doStreamRequest(ctx, c.client, url, body, c.headers())
	if err != nil {
		return nil, err
	}

	c.logger.Debug("run started", "thread_id", threadID)
	return parseRunStream(ctx, resp.Body, c.logger), nil
}

// SubmitToolOutputs implements domain.GenerationProvider.
func (c *AssistantsClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (<-chan domain.RunEvent, error) {
	wireOutputs := make([]wireToolOutput, 0, len(outputs))
	for _, o := range outputs {
		wireOutputs = append(wireOutputs, wireToolOutput{ToolCallID: o.ToolCallID, Output: o.Output})
	}

	body, err := json.Marshal(submitToolOutputsRequest{ToolOutputs: wireOutputs, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/threads/%s/runs/%s/submit_tool_outputs", c.baseURL, threadID, runID)
	resp, err := doStreamRequest(ctx, c.client, url, body, c.headers())
	if err != nil {
		return nil, err
	}

	c.logger.Debug("tool outputs submitted", "run_id", runID, "outputs", len(outputs))
	return parseRunStream(ctx, resp.Body, c.logger), nil
}

// CancelRun implements domain.GenerationProvider.
func (c *AssistantsClient) CancelRun(ctx context.Context, threadID, runID string) error {
	ctx, span := tracer.StartSpan(ctx, "provider.cancel_run",
		trace.WithAttributes(tracer.StringAttr("run.id", runID)),
	)
	defer span.End()

	url := fmt.Sprintf("%s/threads/%s/runs/%s/cancel", c.baseURL, threadID, runID)
	if _, err := doJSONRequest(ctx, c.client, http.MethodPost, url, nil, c.headers()); err != nil {
		tracer.RecordError(span, err)
		return err
	}

	tracer.SetOK(span)
	return nil
}

// Name implements domain.GenerationProvider.
func (c *AssistantsClient) Name() string { return "assistants" }

var _ domain.GenerationProvider = (*AssistantsClient)(nil)
