package tool

import "context"

// SearchBackend abstracts a web search engine.
type SearchBackend interface {
	// Search performs a web search and returns the structured response.
	Search(ctx context.Context, query string) (*SearchResponse, error)
	// Available reports whether the backend is configured and usable.
	Available() bool
	// Name returns the backend identifier (e.g. "tavily").
	Name() string
}

// SearchResponse is a backend's answer to one query.
type SearchResponse struct {
	Query   string         `json:"query"`
	Answer  string         `json:"answer,omitempty"`
	Results []SearchResult `json:"results"`
}

// SearchResult represents a single search result.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}
