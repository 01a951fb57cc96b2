package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"scribe-ai/internal/infra/config"
)

const maxSearchBodySize = 512 * 1024 // 512KB

// SearchStatusError is a non-OK HTTP response from the search API. It is
// distinguished from transport errors so callers can report the status.
type SearchStatusError struct {
	Status  int
	Details string
}

func (e *SearchStatusError) Error() string {
	return fmt.Sprintf("search failed with status %d: %s", e.Status, e.Details)
}

// tavilyRequest is the fixed search profile sent for every query.
type tavilyRequest struct {
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	MaxResults        int    `json:"max_results"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type tavilyResponse struct {
	Query   string `json:"query"`
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// TavilyBackend searches the web via the Tavily API.
type TavilyBackend struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	depth      string
	maxResults int
	logger     *slog.Logger
}

// NewTavilyBackend creates a search backend for the Tavily API. A missing
// API key is allowed: the backend reports itself unavailable.
func NewTavilyBackend(cfg config.SearchConfig, logger *slog.Logger) *TavilyBackend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.tavily.com"
	}
	depth := cfg.Depth
	if depth == "" {
		depth = "advanced"
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	return &TavilyBackend{
		client:     &http.Client{Timeout: 20 * time.Second},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		depth:      depth,
		maxResults: maxResults,
		logger:     logger,
	}
}

func (b *TavilyBackend) Name() string { return "tavily" }

func (b *TavilyBackend) Available() bool { return b.apiKey != "" }

func (b *TavilyBackend) Search(ctx context.Context, query string) (*SearchResponse, error) {
	body, err := json.Marshal(tavilyRequest{
		Query:             query,
		SearchDepth:       b.depth,
		MaxResults:        b.maxResults,
		IncludeAnswer:     true,
		IncludeRawContent: false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &SearchStatusError{Status: resp.StatusCode, Details: string(respBody)}
	}

	var tavilyResp tavilyResponse
	if err := json.Unmarshal(respBody, &tavilyResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]SearchResult, 0, len(tavilyResp.Results))
	for _, r := range tavilyResp.Results {
		results = append(results, SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
			Score:   r.Score,
		})
	}

	b.logger.Debug("tavily search completed", "query", query, "results", len(results))
	return &SearchResponse{
		Query:   tavilyResp.Query,
		Answer:  tavilyResp.Answer,
		Results: results,
	}, nil
}

var _ SearchBackend = (*TavilyBackend)(nil)
