package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// WebSearcher answers web queries for the web_search tool.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]SearchHit, error)
}

// SearchHit is one web result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"content"`
}

// SearxSearcher queries a SearXNG instance's JSON API.
type SearxSearcher struct {
	endpoint   string
	maxResults int
	client     *http.Client
}

// NewSearxSearcher creates a searcher against the given SearXNG base URL.
func NewSearxSearcher(endpoint string, maxResults int) *SearxSearcher {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &SearxSearcher{
		endpoint:   endpoint,
		maxResults: maxResults,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

type searxResponse struct {
	Results []SearchHit `json:"results"`
}

// Search runs one query and returns up to maxResults hits.
func (s *SearxSearcher) Search(ctx context.Context, query string) ([]SearchHit, error) {
	u := fmt.Sprintf("%s/search?q=%s&format=json", s.endpoint, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var parsed searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	hits := parsed.Results
	if len(hits) > s.maxResults {
		hits = hits[:s.maxResults]
	}
	return hits, nil
}
