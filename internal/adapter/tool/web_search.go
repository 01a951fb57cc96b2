package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"scribe-ai/internal/domain"
	"scribe-ai/internal/infra/tracer"
)

const defaultCacheTTL = 15 * time.Minute

// Payloads handed to the model when a search cannot run. Failures are
// folded into the output so the model can work them into its reply.
const (
	searchUnavailablePayload = `{"error": "Web search is not available. API key not configured."}`
)

// cacheEntry holds a cached search payload with its expiration time.
type cacheEntry struct {
	payload   string
	expiresAt time.Time
}

// WebSearchTool performs web searches via a pluggable SearchBackend.
// Execution never returns a Go error for search failures: the failure is
// encoded in the result payload.
type WebSearchTool struct {
	backend  SearchBackend
	cacheTTL time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewWebSearchTool creates a web search tool backed by the given SearchBackend.
func NewWebSearchTool(backend SearchBackend, cacheTTL time.Duration, logger *slog.Logger) *WebSearchTool {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &WebSearchTool{
		backend:  backend,
		cacheTTL: cacheTTL,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for up-to-date information on a topic"
}

func (t *WebSearchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query"}
			},
			"required": ["query"]
		}`),
	}
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.web_search", t.logger, params,
		func(ctx context.Context, span trace.Span, p webSearchParams) (any, error) {
			if strings.TrimSpace(p.Query) == "" {
				return nil, fmt.Errorf("%w: query must not be empty", domain.ErrInvalidInput)
			}
			span.SetAttributes(tracer.StringAttr("tool.query", p.Query))

			if t.backend == nil || !t.backend.Available() {
				t.logger.Warn("web search requested but not configured")
				return TextResult(searchUnavailablePayload), nil
			}

			if cached, ok := t.getCached(p.Query); ok {
				t.logger.Debug("web search cache hit", "query", p.Query)
				span.SetAttributes(tracer.StringAttr("tool.cache", "hit"))
				return TextResult(cached), nil
			}

			resp, err := t.backend.Search(ctx, p.Query)
			if err != nil {
				// Failures become payloads, not tool errors.
				return TextResult(searchFailurePayload(err)), nil
			}

			payload, err := json.Marshal(resp)
			if err != nil {
				return nil, fmt.Errorf("marshal search response: %w", err)
			}

			t.putCache(p.Query, string(payload))
			t.logger.Debug("web search completed", "query", p.Query, "results", len(resp.Results))
			return TextResult(string(payload)), nil
		},
	)
}

// searchFailurePayload encodes a search failure as a JSON payload for the
// model. HTTP status failures and transport exceptions read differently.
func searchFailurePayload(err error) string {
	var statusErr *SearchStatusError
	if errors.As(err, &statusErr) {
		payload, _ := json.Marshal(map[string]string{
			"error":   fmt.Sprintf("Search failed with status: %d", statusErr.Status),
			"details": statusErr.Details,
		})
		return string(payload)
	}

	payload, _ := json.Marshal(map[string]string{
		"error":   "An exception occurred during the search.",
		"message": err.Error(),
	})
	return string(payload)
}

func (t *WebSearchTool) getCached(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(t.cache, key)
		return "", false
	}
	return entry.payload, true
}

func (t *WebSearchTool) putCache(key, payload string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[key] = cacheEntry{payload: payload, expiresAt: time.Now().Add(t.cacheTTL)}
}

var _ domain.Tool = (*WebSearchTool)(nil)
