package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/pkg/models"
)

// FetchTool downloads a URL and extracts readable text. Same-host redirects
// are followed transparently; a cross-host redirect stops the chain and its
// target is reported so the caller fetches it explicitly, keeping the domain
// policy in the loop.
type FetchTool struct {
	config Config
	client *http.Client
}

// NewFetchTool creates a web_fetch tool.
func NewFetchTool(cfg Config) *FetchTool {
	cfg = cfg.sanitized()
	return &FetchTool{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if req.URL.Host != via[0].URL.Host {
					return http.ErrUseLastResponse
				}
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				return nil
			},
		},
	}
}

func (t *FetchTool) Name() string { return "web_fetch" }

func (t *FetchTool) Description() string {
	return "Fetch a URL and extract its readable text content. Same-host redirects are followed; cross-host redirects are reported, not followed."
}

func (t *FetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "URL to fetch (http or https)."
			}
		},
		"required": ["url"],
		"additionalProperties": false
	}`)
}

// ReadOnly marks fetching side-effect free for dispatch purposes.
func (t *FetchTool) ReadOnly() bool { return true }

// ConcurrencySafe allows parallel fetches in a batch.
func (t *FetchTool) ConcurrencySafe() bool { return true }

func (t *FetchTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}

	target, err := t.config.checkURL(in.URL)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("build request: %v", err), IsError: true}, nil
	}
	req.Header.Set("User-Agent", t.config.UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("fetch %s: %v", in.URL, err), IsError: true}, nil
	}
	defer resp.Body.Close()

	// Only cross-host redirects reach here; same-host hops were followed.
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		if target, perr := resp.Request.URL.Parse(location); perr == nil {
			location = target.String()
		}
		return &models.ToolResult{
			Content: fmt.Sprintf("Cross-host redirect (HTTP %d): %s -> %s. Fetch the target explicitly if the redirect is intended.",
				resp.StatusCode, resp.Request.URL, location),
		}, nil
	}
	if resp.StatusCode >= 400 {
		return &models.ToolResult{
			Content: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, in.URL),
			IsError: true,
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxFetchBytes))
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("read response: %v", err), IsError: true}, nil
	}

	contentType := resp.Header.Get("Content-Type")
	content := extractText(string(body), contentType, target)
	if content == "" {
		return &models.ToolResult{
			Content: fmt.Sprintf("no readable content at %s (%d bytes, %s)", in.URL, len(body), contentType),
		}, nil
	}
	return &models.ToolResult{Content: truncate(content, t.config.MaxContentChars)}, nil
}

// extractText runs readability on HTML responses and passes other text
// content types through unchanged.
func extractText(body, contentType string, u *url.URL) string {
	if !strings.Contains(contentType, "html") {
		return strings.TrimSpace(body)
	}
	article, err := readability.FromReader(strings.NewReader(body), u)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return stripTags(body)
}
