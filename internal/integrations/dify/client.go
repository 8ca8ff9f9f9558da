// Package dify dispatches turns to a Dify-compatible conversational backend.
//
// Each bot mode has its own adapter (ChatMode, CompletionMode,
// AgentStreamMode, WorkflowMode). All of them produce a domain.Outcome.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dify-relay/internal/domain"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultStreamIdleTimeout = 60 * time.Second
	defaultStreamBuffer      = 16
)

// APIError is the structured error body returned by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// HTTPStatusError captures non-2xx backend responses. Payload is set when the
// body decodes as an APIError.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	Payload    *APIError
}

func (e *HTTPStatusError) Error() string {
	if e.Payload != nil && e.Payload.Message != "" {
		return fmt.Sprintf("dify: unexpected status %d from %s: %s (%s)", e.StatusCode, e.URL, e.Payload.Message, e.Payload.Code)
	}
	return fmt.Sprintf("dify: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Dispatcher sends one turn to the backend in a specific mode.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Outcome, error)
}

// Client holds the HTTP transport shared by every mode adapter. Per-bot
// endpoint and token travel with each request.
type Client struct {
	httpClient        *http.Client
	streamClient      *http.Client
	streamIdleTimeout time.Duration
	streamBuffer      int
	logger            *slog.Logger
}

type Option func(*Client)

// WithHTTPClient sets the client used by the blocking modes.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithStreamHTTPClient sets the client used by AgentStreamMode. It should not
// carry an overall timeout; stream reads are bounded by the idle timeout.
func WithStreamHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.streamClient = httpClient
	}
}

func WithStreamIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.streamIdleTimeout = d
		}
	}
}

func WithStreamBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.streamBuffer = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a Client with a 30s blocking timeout and a 60s stream
// idle timeout unless overridden.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:        &http.Client{Timeout: defaultTimeout},
		streamClient:      &http.Client{},
		streamIdleTimeout: defaultStreamIdleTimeout,
		streamBuffer:      defaultStreamBuffer,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ForMode returns the adapter for a bot mode.
func (c *Client) ForMode(mode domain.BotMode) (Dispatcher, error) {
	switch mode {
	case domain.ModeChat:
		return ChatMode{client: c}, nil
	case domain.ModeCompletion:
		return CompletionMode{client: c}, nil
	case domain.ModeAgent:
		return AgentStreamMode{client: c}, nil
	case domain.ModeWorkflow:
		return WorkflowMode{client: c}, nil
	}
	return nil, fmt.Errorf("dify: unsupported bot mode %q", mode)
}

// Dispatch routes req to the adapter of its bot's mode.
func (c *Client) Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Outcome, error) {
	d, err := c.ForMode(req.Bot.Mode)
	if err != nil {
		return domain.Outcome{}, err
	}
	return d.Dispatch(ctx, req)
}

func endpointURL(apiURL, suffix string) string {
	return strings.TrimRight(strings.TrimSpace(apiURL), "/") + "/" + suffix
}

func (c *Client) newRequest(ctx context.Context, bot domain.BotConfig, url string, payload any) (*http.Request, error) {
	if strings.TrimSpace(bot.APIURL) == "" {
		return nil, errors.New("dify: bot api url must not be empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dify: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bot.APIKey)
	return req, nil
}

// postJSON issues a blocking request and decodes the response into out.
func (c *Client) postJSON(ctx context.Context, bot domain.BotConfig, suffix string, payload, out any) error {
	url := endpointURL(bot.APIURL, suffix)
	req, err := c.newRequest(ctx, bot, url, payload)
	if err != nil {
		return err
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dify: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if err := checkStatus(res, url); err != nil {
		return err
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("dify: read response body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("dify: decode response: %w", err)
	}
	return nil
}

func checkStatus(res *http.Response, url string) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	statusErr := &HTTPStatusError{
		StatusCode: res.StatusCode,
		URL:        url,
		Body:       string(buf),
	}
	var payload APIError
	if json.Unmarshal(buf, &payload) == nil && (payload.Code != "" || payload.Message != "") {
		statusErr.Payload = &payload
	}
	return statusErr
}
