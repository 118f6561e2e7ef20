package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/tools/schemas"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	defaultSerperURL     = "https://google.serper.dev/search"
	defaultDuckDuckGoURL = "https://api.duckduckgo.com/"
	defaultSearchResults = 5
	noSearchResults      = "No good search result was found"
)

// SearchConfig configures the search backends.
type SearchConfig struct {
	SerperAPIKey string
	GL           string
	HL           string
	MaxResults   int
	// Endpoint overrides; empty means the public endpoints.
	SerperURL     string
	DuckDuckGoURL string
}

// SearchTool queries Serper when an API key is configured and the
// DuckDuckGo Instant Answer API otherwise.
type SearchTool struct {
	cfg        SearchConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// searchResult is one hit in the formatted tool output.
type searchResult struct {
	Title   string
	Link    string
	Snippet string
}

// NewSearchTool creates a SearchTool.
func NewSearchTool(cfg SearchConfig, httpClient *http.Client, logger zerolog.Logger) *SearchTool {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultSearchResults
	}
	if cfg.SerperURL == "" {
		cfg.SerperURL = defaultSerperURL
	}
	if cfg.DuckDuckGoURL == "" {
		cfg.DuckDuckGoURL = defaultDuckDuckGoURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SearchTool{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "search_tool").Logger(),
	}
}

func (t *SearchTool) Name() string { return schemas.Search }

func (t *SearchTool) Description() string {
	desc, _ := schemaFor(schemas.Search)
	return desc
}

func (t *SearchTool) Schema() llm.ToolSchema {
	_, schema := schemaFor(schemas.Search)
	return schema
}

// Invoke runs the query and returns a numbered list of results.
func (t *SearchTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var payload struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(args, &payload); err != nil {
		return "", err
	}
	query := strings.TrimSpace(payload.Query)
	if query == "" {
		return "", fmt.Errorf("query cannot be empty")
	}

	var (
		answer  string
		results []searchResult
		err     error
	)
	if t.cfg.SerperAPIKey != "" {
		answer, results, err = t.searchSerper(ctx, query)
	} else {
		answer, results, err = t.searchDuckDuckGo(ctx, query)
	}
	if err != nil {
		return "", err
	}
	t.logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search complete")
	return formatResults(answer, results), nil
}

func (t *SearchTool) searchSerper(ctx context.Context, query string) (string, []searchResult, error) {
	payload := map[string]any{"q": query, "num": t.cfg.MaxResults}
	if t.cfg.GL != "" {
		payload["gl"] = t.cfg.GL
	}
	if t.cfg.HL != "" {
		payload["hl"] = t.cfg.HL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.SerperURL, bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", t.cfg.SerperAPIKey)

	data, err := t.fetch(req, "Serper")
	if err != nil {
		return "", nil, err
	}

	doc := gjson.ParseBytes(data)
	answer := doc.Get("answerBox.answer").String()
	if answer == "" {
		answer = doc.Get("answerBox.snippet").String()
	}
	if answer == "" && doc.Get("knowledgeGraph.description").Exists() {
		answer = strings.TrimSpace(doc.Get("knowledgeGraph.title").String() + ": " + doc.Get("knowledgeGraph.description").String())
	}

	var results []searchResult
	doc.Get("organic").ForEach(func(_, item gjson.Result) bool {
		results = append(results, searchResult{
			Title:   item.Get("title").String(),
			Link:    item.Get("link").String(),
			Snippet: item.Get("snippet").String(),
		})
		return len(results) < t.cfg.MaxResults
	})
	return answer, results, nil
}

func (t *SearchTool) searchDuckDuckGo(ctx context.Context, query string) (string, []searchResult, error) {
	endpoint := fmt.Sprintf("%s?q=%s&format=json&no_html=1&skip_disambig=1", t.cfg.DuckDuckGoURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; chatgw/1.0)")

	data, err := t.fetch(req, "DuckDuckGo")
	if err != nil {
		return "", nil, err
	}

	doc := gjson.ParseBytes(data)
	var results []searchResult
	if text := doc.Get("AbstractText").String(); text != "" {
		results = append(results, searchResult{
			Title:   doc.Get("Heading").String(),
			Link:    doc.Get("AbstractURL").String(),
			Snippet: text,
		})
	}

	// Related topics are either plain entries or named groups with nested Topics.
	var addTopic func(_, topic gjson.Result) bool
	addTopic = func(_, topic gjson.Result) bool {
		if nested := topic.Get("Topics"); nested.IsArray() {
			nested.ForEach(addTopic)
		} else if text, link := topic.Get("Text").String(), topic.Get("FirstURL").String(); text != "" && link != "" {
			title := text
			if i := strings.Index(text, " - "); i > 0 {
				title = text[:i]
			}
			results = append(results, searchResult{Title: title, Link: link, Snippet: text})
		}
		return len(results) < t.cfg.MaxResults
	}
	doc.Get("RelatedTopics").ForEach(addTopic)

	return doc.Get("Answer").String(), results, nil
}

func (t *SearchTool) fetch(req *http.Request, backend string) ([]byte, error) {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", backend, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Body close error can be ignored

	data, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", backend, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", backend, resp.StatusCode)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s returned invalid JSON", backend)
	}
	return data, nil
}

func formatResults(answer string, results []searchResult) string {
	if answer == "" && len(results) == 0 {
		return noSearchResults
	}
	var b strings.Builder
	if answer != "" {
		fmt.Fprintf(&b, "Answer: %s\n\n", answer)
	}
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.Link, r.Snippet)
	}
	return strings.TrimRight(b.String(), "\n")
}
