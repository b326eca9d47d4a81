package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/parley-chat/parley/internal/llm"
)

const ToolWebSearch = "web_search"

const maxSearchBodySize = 512 * 1024

// SearchResult is one hit from a web search.
type SearchResult struct {
	Title   string
	URL     string
	Content string
}

// SearchBackend abstracts a web search engine.
type SearchBackend interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
	Name() string
}

// SearXNGBackend searches the web via a SearXNG instance.
type SearXNGBackend struct {
	client      *http.Client
	instanceURL string
	logger      *slog.Logger
}

func NewSearXNGBackend(instanceURL string, logger *slog.Logger) *SearXNGBackend {
	return &SearXNGBackend{
		client:      &http.Client{Timeout: 15 * time.Second},
		instanceURL: strings.TrimRight(instanceURL, "/"),
		logger:      logger,
	}
}

func (b *SearXNGBackend) Name() string { return "searxng" }

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (b *SearXNGBackend) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.instanceURL+"/search", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("pageno", "1")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var parsed searxngResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if len(results) >= count {
			break
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	b.logger.Debug("search completed", "backend", b.Name(), "query", query, "results", len(results))
	return results, nil
}

// WebSearchTool exposes a search backend to the model.
type WebSearchTool struct {
	Backend SearchBackend
	Emit    Emit
	// MaxResults per query, default 5.
	MaxResults int
}

func (t *WebSearchTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ToolWebSearch,
		Description: "Search the web for current information. Returns titles, URLs and snippets.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query"}
			},
			"required": ["query"]
		}`),
	}
}

type webSearchArgs struct {
	Query string `json:"query"`
}

func (t *WebSearchTool) Preview(args json.RawMessage) string {
	var parsed webSearchArgs
	if err := json.Unmarshal(args, &parsed); err != nil || parsed.Query == "" {
		return "web search"
	}
	return "searching: " + parsed.Query
}

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var parsed webSearchArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(parsed.Query) == "" {
		return "", fmt.Errorf("query must not be empty")
	}
	count := t.MaxResults
	if count <= 0 {
		count = 5
	}
	results, err := t.Backend.Search(ctx, parsed.Query, count)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results found.", nil
	}
	for _, r := range results {
		t.Emit.send(llm.Event{Type: llm.EventSource, Source: &llm.Source{URL: r.URL, Title: r.Title}})
	}
	return FormatResults(results), nil
}

// FormatResults renders search hits as readable text for the model.
func FormatResults(results []SearchResult) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n", i+1, r.Title, r.URL)
		if r.Content != "" {
			fmt.Fprintf(&b, "%s\n", r.Content)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
