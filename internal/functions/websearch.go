package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aigw/internal/util"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

const defaultExaURL = "https://api.exa.ai/search"

// WebSearch searches the web through Exa.
type WebSearch struct {
	apiKey   string
	endpoint string
	maxBytes int
	timeout  time.Duration
	client   *retryablehttp.Client
}

// NewWebSearch constructs the web_search function. maxBytes bounds the
// encoded result handed back to the model; zero means unbounded.
func NewWebSearch(apiKey string, maxBytes int) *WebSearch {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	return &WebSearch{apiKey: apiKey, endpoint: defaultExaURL, maxBytes: maxBytes, timeout: 10 * time.Second, client: client}
}

func (w *WebSearch) Name() string { return "web_search" }

func (w *WebSearch) Description() string {
	return "Search the web and return titles, URLs, and snippets."
}

func (w *WebSearch) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":       map[string]any{"type": "string"},
			"num_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
		},
		"required":             []string{"query"},
		"additionalProperties": false,
	}
}

type searchInput struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

// SearchResult is one hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchOutput is the value fed back to the model.
type SearchOutput struct {
	Results   []SearchResult `json:"results"`
	Truncated bool           `json:"truncated"`
}

func (w *WebSearch) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if strings.TrimSpace(w.apiKey) == "" {
		return nil, errors.New("EXA_API_KEY is missing")
	}
	var in searchInput
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, errors.New("query is required")
	}
	if in.NumResults <= 0 {
		in.NumResults = 5
	}
	if in.NumResults > 10 {
		in.NumResults = 10
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"query":      in.Query,
		"numResults": in.NumResults,
		"contents":   map[string]any{"text": true},
	})
	if err != nil {
		return nil, err
	}
	request, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("x-api-key", w.apiKey)
	request.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		msg, _ := util.TruncateBytes(strings.TrimSpace(string(b)), 512)
		return nil, fmt.Errorf("search failed with status %d: %s", resp.StatusCode, msg)
	}

	var raw struct {
		Results []struct {
			Title string `json:"title"`
			URL   string `json:"url"`
			Text  string `json:"text"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	out := SearchOutput{Results: make([]SearchResult, 0, len(raw.Results))}
	for _, item := range raw.Results {
		out.Results = append(out.Results, SearchResult{Title: item.Title, URL: item.URL, Snippet: item.Text})
	}
	out.Truncated = fitResults(&out.Results, w.maxBytes)
	return out, nil
}

// fitResults halves snippet length, then drops trailing results, until the
// encoded output fits maxBytes.
func fitResults(results *[]SearchResult, maxBytes int) bool {
	if maxBytes <= 0 {
		return false
	}
	size := func() int {
		data, _ := json.Marshal(SearchOutput{Results: *results})
		return len(data)
	}
	truncated := false
	for limit := 1200; limit >= 200; limit /= 2 {
		for i := range *results {
			if snippet, cut := util.TruncateBytes((*results)[i].Snippet, limit); cut {
				(*results)[i].Snippet = snippet
				truncated = true
			}
		}
		if size() <= maxBytes {
			return truncated
		}
	}
	for len(*results) > 1 && size() > maxBytes {
		*results = (*results)[:len(*results)-1]
		truncated = true
	}
	return truncated
}
