package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultSearchURL = "https://api.tavily.com"

type Hit struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Hit, error)
}

// SearchClient speaks the Tavily search API.
type SearchClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewSearchClient(apiKey, baseURL string, httpClient *http.Client) *SearchClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultSearchURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SearchClient{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *SearchClient) Configured() bool {
	return c != nil && c.apiKey != ""
}

func (c *SearchClient) Search(ctx context.Context, query string, maxResults int) ([]Hit, error) {
	if !c.Configured() {
		return nil, errors.New("search api key is not configured")
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	body, err := json.Marshal(map[string]any{
		"query":        query,
		"search_depth": "basic",
		"max_results":  maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("search error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	hits := make([]Hit, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		hits = append(hits, Hit{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return hits, nil
}

func formatHits(hits []Hit) string {
	if len(hits) == 0 {
		return "No results found."
	}
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s (%s)", i+1, h.Title, h.URL)
		if s := strings.TrimSpace(h.Snippet); s != "" {
			b.WriteString("\n   ")
			b.WriteString(s)
		}
	}
	return b.String()
}

// WebSearch answers general questions from the web.
func WebSearch(searcher Searcher, maxResults int) Tool {
	return Tool{
		Spec: Spec{
			Name:        "webSearch",
			Description: "Search the web for current information, news or facts the model does not know.",
			Params:      []Param{{Name: "query", Description: "What to search for.", Required: true}},
		},
		Handler: HandlerFunc(func(ctx context.Context, args map[string]string) (string, error) {
			query := strings.TrimSpace(args["query"])
			if query == "" {
				return "", errors.New("query is required")
			}
			hits, err := searcher.Search(ctx, query, maxResults)
			if err != nil {
				return "", err
			}
			return formatHits(hits), nil
		}),
	}
}
