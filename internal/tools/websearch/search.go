package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/pkg/models"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 10
	defaultSearchURL   = "https://html.duckduckgo.com/html/"
	cacheMaxEntries    = 100
)

// SearchResult is one hit from a search provider.
type SearchResult struct {
	Title       string
	URL         string
	Description string
}

// SearchProvider abstracts a web search backend.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
}

// ddgProvider scrapes the DuckDuckGo HTML endpoint. No API key required.
type ddgProvider struct {
	client    *http.Client
	baseURL   string
	userAgent string
}

func (p *ddgProvider) Name() string { return "duckduckgo" }

func (p *ddgProvider) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	searchURL := fmt.Sprintf("%s?q=%s", p.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	return parseResults(string(body), count), nil
}

var (
	resultLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	resultSnippetRe = regexp.MustCompile(`<a[^>]*class="result__snippet[^"]*"[^>]*>([\s\S]*?)</a>`)
)

func parseResults(html string, count int) []SearchResult {
	links := resultLinkRe.FindAllStringSubmatch(html, count+5)
	snippets := resultSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []SearchResult
	for i := 0; i < len(links) && len(results) < count; i++ {
		r := SearchResult{
			Title: strings.TrimSpace(stripTags(links[i][2])),
			URL:   unwrapRedirect(links[i][1]),
		}
		if i < len(snippets) {
			r.Description = strings.TrimSpace(stripTags(snippets[i][1]))
		}
		results = append(results, r)
	}
	return results
}

// unwrapRedirect extracts the real target from the uddg= redirect wrapper.
func unwrapRedirect(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	u, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	idx := strings.Index(u, "uddg=")
	if idx == -1 {
		return raw
	}
	target := u[idx+5:]
	if amp := strings.Index(target, "&"); amp != -1 {
		target = target[:amp]
	}
	return target
}

// SearchTool implements web_search over a provider chain with a TTL cache.
type SearchTool struct {
	config    Config
	providers []SearchProvider
	cache     *ttlCache
}

// NewSearchTool creates a web_search tool with the default provider.
func NewSearchTool(cfg Config) *SearchTool {
	cfg = cfg.sanitized()
	provider := &ddgProvider{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   defaultSearchURL,
		userAgent: cfg.UserAgent,
	}
	return NewSearchToolWithProviders(cfg, provider)
}

// NewSearchToolWithProviders creates a web_search tool over explicit
// providers, tried in order.
func NewSearchToolWithProviders(cfg Config, providers ...SearchProvider) *SearchTool {
	cfg = cfg.sanitized()
	return &SearchTool{
		config:    cfg,
		providers: providers,
		cache:     newTTLCache(cacheMaxEntries, cfg.CacheTTL),
	}
}

func (t *SearchTool) Name() string { return "web_search" }

func (t *SearchTool) Description() string {
	return "Search the web. Returns titles, URLs, and snippets."
}

func (t *SearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "Search query."
			},
			"count": {
				"type": "integer",
				"description": "Number of results (1-10, default 5).",
				"minimum": 1,
				"maximum": 10
			}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)
}

// ReadOnly marks search side-effect free.
func (t *SearchTool) ReadOnly() bool { return true }

// ConcurrencySafe allows parallel searches in a batch.
func (t *SearchTool) ConcurrencySafe() bool { return true }

func (t *SearchTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, agent.NewError(agent.ErrInvalidParameters, "query is required").WithTool(t.Name())
	}
	if t.config.Disabled {
		return &models.ToolResult{Content: "network access is disabled", IsError: true}, nil
	}

	count := in.Count
	if count < 1 || count > maxSearchCount {
		count = defaultSearchCount
	}

	cacheKey := fmt.Sprintf("%s:%d", in.Query, count)
	if cached, ok := t.cache.get(cacheKey); ok {
		return &models.ToolResult{Content: cached}, nil
	}

	var lastErr error
	for _, provider := range t.providers {
		results, err := provider.Search(ctx, in.Query, count)
		if err != nil {
			lastErr = err
			continue
		}
		formatted := formatResults(in.Query, results, provider.Name())
		t.cache.set(cacheKey, formatted)
		return &models.ToolResult{Content: formatted}, nil
	}
	if lastErr != nil {
		return &models.ToolResult{Content: fmt.Sprintf("all search providers failed: %v", lastErr), IsError: true}, nil
	}
	return &models.ToolResult{Content: "no search providers configured", IsError: true}, nil
}

func formatResults(query string, results []SearchResult, provider string) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for: %s (via %s)\n\n", query, provider)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&b, "   %s\n", r.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}
