package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/internal/observability"
	"github.com/tacitdev/tacit/internal/retry"
)

const (
	defaultBaseURL    = "https://api.anthropic.com"
	defaultAPIVersion = "2023-06-01"
	defaultMaxTokens  = 8192

	messagesEndpoint = "/v1/messages"
)

// Config configures the streaming client.
type Config struct {
	// BaseURL of the API. Default: https://api.anthropic.com.
	BaseURL string

	// APIKey sent as x-api-key.
	APIKey string

	// APIVersion sent as anthropic-version. Default: 2023-06-01.
	APIVersion string

	// Model used when a request does not name one.
	Model string

	// MaxTokens used when a request does not set one. Default: 8192.
	MaxTokens int

	// Retry policy for the connection phase. Zero value means defaults.
	Retry retry.Policy

	// Breaker configuration shared by all endpoints.
	Breaker retry.BreakerConfig

	// HTTPClient overrides the transport. The client installs its own
	// redirect policy either way.
	HTTPClient *http.Client
}

func (c Config) sanitized() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.APIVersion == "" {
		c.APIVersion = defaultAPIVersion
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	return c
}

// apiError is a non-2xx response from the API. It carries the status for
// retry classification and the rate-limit reset when the server sent one.
type apiError struct {
	Status    int
	ErrorType string
	Message   string
	ResetAt   time.Time
}

func (e *apiError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

func (e *apiError) HTTPStatus() int { return e.Status }

func (e *apiError) RateLimitReset() (time.Time, bool) {
	return e.ResetAt, !e.ResetAt.IsZero()
}

// redirectError reports a cross-host redirect the client refused to follow.
type redirectError struct {
	From   string
	To     string
	Status int
}

func (e *redirectError) Error() string {
	return fmt.Sprintf("refusing cross-host redirect %d from %s to %s", e.Status, e.From, e.To)
}

// RateLimitInfo is the most recent x-ratelimit-* header snapshot.
type RateLimitInfo struct {
	RequestsRemaining int
	TokensRemaining   int
	ResetAt           time.Time
}

// Client streams completions from the messages endpoint. It implements
// agent.ModelClient. Retries cover only the connection phase; once the
// first byte of the event stream arrives, failures surface as stream
// events, never as silent reconnects.
type Client struct {
	config   Config
	http     *http.Client
	breakers *retry.BreakerSet
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu        sync.Mutex
	rateLimit RateLimitInfo
}

// NewClient creates a streaming client. logger and metrics may be nil.
func NewClient(config Config, logger *slog.Logger, metrics *observability.Metrics) *Client {
	config = config.sanitized()
	if logger == nil {
		logger = slog.Default()
	}
	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		origin := via[0].URL
		if req.URL.Host == origin.Host {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		}
		status := 0
		if req.Response != nil {
			status = req.Response.StatusCode
		}
		return &redirectError{From: origin.String(), To: req.URL.String(), Status: status}
	}
	return &Client{
		config:   config,
		http:     hc,
		breakers: retry.NewBreakerSet(config.Breaker),
		logger:   logger.With("component", "anthropic"),
		metrics:  metrics,
	}
}

// RateLimit returns the last observed rate-limit headers.
func (c *Client) RateLimit() RateLimitInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimit
}

// Stream opens one streaming completion. The returned channel ends with a
// message_stop, cancelled, or error event and is then closed.
func (c *Client) Stream(ctx context.Context, req agent.CompletionRequest) (<-chan agent.StreamEvent, error) {
	body, err := json.Marshal(buildRequest(req, c.config.Model, c.config.MaxTokens))
	if err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, "marshal request").WithCause(err)
	}

	ch := make(chan agent.StreamEvent, 32)
	go c.run(ctx, body, ch)
	return ch, nil
}

func (c *Client) run(ctx context.Context, body []byte, ch chan<- agent.StreamEvent) {
	defer close(ch)
	start := time.Now()
	model := c.config.Model

	resp, err := c.connect(ctx, body)
	if err != nil {
		c.observe(model, statusOf(err), start)
		c.emitConnectError(ctx, err, ch)
		return
	}
	defer resp.Body.Close()
	c.captureRateLimit(resp.Header)

	p := newStreamParser(c.logger)
	outcome := p.consume(ctx, resp.Body, ch)
	c.observe(model, outcome, start)
}

func (c *Client) observe(model, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.StreamRequests.WithLabelValues(model, status).Inc()
	c.metrics.StreamDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
}

func statusOf(err error) string {
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}

// connect performs the request with retry and circuit breaking. The response
// body is open and streaming on success.
func (c *Client) connect(ctx context.Context, body []byte) (*http.Response, error) {
	breaker := c.breakers.For(messagesEndpoint)

	return retry.Do(ctx, c.config.Retry, func(ctx context.Context, attempt int) (*http.Response, error) {
		if err := breaker.Allow(); err != nil {
			return nil, err
		}
		if attempt > 0 && c.metrics != nil {
			c.metrics.RetryAttempts.WithLabelValues(messagesEndpoint, string(retry.ClassUnknown)).Inc()
		}

		resp, err := c.attempt(ctx, body)
		if err != nil {
			class := retry.Classify(err)
			breaker.RecordFailure(class)
			if c.metrics != nil && attempt > 0 {
				c.metrics.RetryAttempts.WithLabelValues(messagesEndpoint, string(class)).Inc()
			}
			c.logger.Warn("connection attempt failed",
				"attempt", attempt,
				"class", class,
				"error", err)
			return nil, err
		}
		breaker.RecordSuccess()
		return resp, nil
	})
}

func (c *Client) attempt(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+messagesEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("anthropic-version", c.config.APIVersion)
	if c.config.APIKey != "" {
		req.Header.Set("x-api-key", c.config.APIKey)
	}
	req.Header.Set("accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	c.captureRateLimit(resp.Header)
	apiErr := &apiError{Status: resp.StatusCode, ResetAt: parseResetHeader(resp.Header)}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil {
		apiErr.ErrorType = envelope.Error.Type
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return nil, apiErr
}

func (c *Client) captureRateLimit(h http.Header) {
	info := RateLimitInfo{ResetAt: parseResetHeader(h)}
	if v := h.Get("x-ratelimit-requests-remaining"); v != "" {
		info.RequestsRemaining, _ = strconv.Atoi(v)
	}
	if v := h.Get("x-ratelimit-tokens-remaining"); v != "" {
		info.TokensRemaining, _ = strconv.Atoi(v)
	}
	if info.ResetAt.IsZero() && info.RequestsRemaining == 0 && info.TokensRemaining == 0 {
		return
	}
	c.mu.Lock()
	c.rateLimit = info
	c.mu.Unlock()
}

// parseResetHeader accepts RFC 3339 or unix seconds.
func parseResetHeader(h http.Header) time.Time {
	v := h.Get("x-ratelimit-reset")
	if v == "" {
		v = h.Get("x-ratelimit-requests-reset")
	}
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0)
	}
	return time.Time{}
}

// emitConnectError translates a connection-phase failure into terminal
// stream events.
func (c *Client) emitConnectError(ctx context.Context, err error, ch chan<- agent.StreamEvent) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		ch <- agent.StreamEvent{Kind: agent.StreamCancelled, Err: context.Canceled}
		return
	}

	var redirect *redirectError
	if errors.As(err, &redirect) {
		ch <- agent.StreamEvent{
			Kind:           agent.StreamRedirect,
			RedirectFrom:   redirect.From,
			RedirectTo:     redirect.To,
			RedirectStatus: redirect.Status,
		}
		ch <- agent.StreamEvent{
			Kind: agent.StreamError,
			Err:  agent.NewError(agent.ErrNetwork, redirect.Error()).WithPhase(agent.PhaseStream).WithCause(err),
		}
		return
	}

	kind := connectErrorKind(err)
	ch <- agent.StreamEvent{
		Kind: agent.StreamError,
		Err:  agent.NewError(kind, err.Error()).WithPhase(agent.PhaseStream).WithCause(err),
	}
}

func connectErrorKind(err error) agent.ErrorKind {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return agent.ErrRetriesExhausted
	}
	var open *retry.OpenError
	if errors.As(err, &open) {
		return agent.ErrCircuitOpen
	}
	switch retry.Classify(err) {
	case retry.ClassRateLimit:
		return agent.ErrRateLimit
	case retry.ClassServerTransient, retry.ClassServerOverloaded:
		return agent.ErrServerTransient
	case retry.ClassClient:
		return agent.ErrClient
	case retry.ClassCancelled:
		return agent.ErrCancelled
	default:
		return agent.ErrNetwork
	}
}
