// Package client is a Go client for the rights2roof HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/OhziiiLov3/rights2roof"
)

// DefaultBaseURL is where a local `rights2roof serve` listens.
const DefaultBaseURL = "http://localhost:8080"

// ErrInProgress is returned by Result while the async turn is still running.
var ErrInProgress = errors.New("execution is still in progress")

// APIError is a non-2xx reply. Answer is the displayable text of a failed
// turn, when the server sent one.
type APIError struct {
	StatusCode int
	Message    string
	Answer     string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rights2roof API: status %d: %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the request was rejected by the per-user limit.
func (e *APIError) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// Client talks to one server.
type Client struct {
	http *resty.Client
}

// Option configures a Client.
type Option func(*resty.Client)

// WithTimeout bounds each request. Synchronous turns can take tens of
// seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithHeader sets a header on every request.
func WithHeader(key, value string) Option {
	return func(c *resty.Client) { c.SetHeader(key, value) }
}

// New creates a client for baseURL, or DefaultBaseURL when empty.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(2 * time.Minute).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{http: rc}
}

type turnRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id,omitempty"`
}

type errorBody struct {
	Error  string `json:"error"`
	Answer string `json:"final_answer"`
}

func apiError(resp *resty.Response) error {
	e := &APIError{StatusCode: resp.StatusCode(), Message: resp.Status()}
	var body errorBody
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Error != "" {
		e.Message = body.Error
		e.Answer = body.Answer
	}
	if s := resp.Header().Get("Retry-After"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			e.RetryAfter = time.Duration(n) * time.Second
		}
	}
	return e
}

// Ask runs a turn and waits for its answer.
func (c *Client) Ask(ctx context.Context, query, userID string) (rights2roof.Turn, error) {
	var turn rights2roof.Turn
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(turnRequest{Query: query, UserID: userID}).
		SetResult(&turn).
		Post("/v1/turns")
	if err != nil {
		return turn, fmt.Errorf("POST /v1/turns: %w", err)
	}
	if resp.IsError() {
		return turn, apiError(resp)
	}
	return turn, nil
}

// AskAsync starts a turn and returns its execution ID.
func (c *Client) AskAsync(ctx context.Context, query, userID string) (string, error) {
	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(turnRequest{Query: query, UserID: userID}).
		SetResult(&out).
		Post("/v1/turns/async")
	if err != nil {
		return "", fmt.Errorf("POST /v1/turns/async: %w", err)
	}
	if resp.IsError() {
		return "", apiError(resp)
	}
	return out.ExecutionID, nil
}

// Status reports the progress of an async turn.
func (c *Client) Status(ctx context.Context, executionID string) (*rights2roof.AsyncExecutionStatus, error) {
	var status rights2roof.AsyncExecutionStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&status).
		Get("/v1/executions/" + url.PathEscape(executionID))
	if err != nil {
		return nil, fmt.Errorf("GET execution %s: %w", executionID, err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &status, nil
}

// Result returns the finished turn of an async execution, or ErrInProgress.
func (c *Client) Result(ctx context.Context, executionID string) (rights2roof.Turn, error) {
	var turn rights2roof.Turn
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&turn).
		Get("/v1/executions/" + url.PathEscape(executionID) + "/result")
	if err != nil {
		return turn, fmt.Errorf("GET execution %s result: %w", executionID, err)
	}
	if resp.StatusCode() == http.StatusConflict {
		return turn, ErrInProgress
	}
	if resp.IsError() {
		return turn, apiError(resp)
	}
	return turn, nil
}

// Wait polls Result every interval until the turn finishes or ctx ends.
func (c *Client) Wait(ctx context.Context, executionID string, interval time.Duration) (rights2roof.Turn, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		turn, err := c.Result(ctx, executionID)
		if !errors.Is(err, ErrInProgress) {
			return turn, err
		}
		select {
		case <-ctx.Done():
			return rights2roof.Turn{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// History returns up to limit recent turns of a session, oldest first. A
// limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]rights2roof.Turn, error) {
	var turns []rights2roof.Turn
	req := c.http.R().SetContext(ctx).SetResult(&turns)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/v1/sessions/" + url.PathEscape(sessionID) + "/turns")
	if err != nil {
		return nil, fmt.Errorf("GET session %s turns: %w", sessionID, err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return turns, nil
}

// Health checks the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/healthz")
	if err != nil {
		return fmt.Errorf("GET /healthz: %w", err)
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}
