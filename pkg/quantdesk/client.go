// Package quantdesk is the Go SDK for the quantdesk-server HTTP API.
package quantdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides a Go SDK for interacting with the quantdesk-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new quantdesk API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	ErrorResponse
}

func (e *APIError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "quantdesk: %d", e.StatusCode)
	if e.Stage != "" {
		fmt.Fprintf(&sb, " [%s]", e.Stage)
	}
	if e.Symbol != "" {
		fmt.Fprintf(&sb, " %s", e.Symbol)
	}
	fmt.Fprintf(&sb, ": %s", e.ErrorResponse.Error)
	return sb.String()
}

// RunBacktest runs POST /api/backtest.
func (c *Client) RunBacktest(ctx context.Context, req BacktestRequest) (*BacktestResult, error) {
	var out BacktestResult
	if err := c.do(ctx, http.MethodPost, "/api/backtest", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Optimize runs POST /api/optimize. A sweep over the server's budget returns
// an *APIError with status 409 until Confirm is set.
func (c *Client) Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeResult, error) {
	var out OptimizeResult
	if err := c.do(ctx, http.MethodPost, "/api/optimize", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Benchmark runs POST /api/benchmark.
func (c *Client) Benchmark(ctx context.Context, req BenchmarkRequest) (*BenchmarkResult, error) {
	var out BenchmarkResult
	if err := c.do(ctx, http.MethodPost, "/api/benchmark", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Strategies lists the server's built-in strategies.
func (c *Client) Strategies(ctx context.Context) ([]StrategyInfo, error) {
	var out []StrategyInfo
	if err := c.do(ctx, http.MethodGet, "/api/strategies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Runs lists recent runs, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	path := "/api/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []RunSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Run fetches one persisted run.
func (c *Client) Run(ctx context.Context, id string) (*Run, error) {
	var out Run
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, &apiErr.ErrorResponse) != nil || apiErr.ErrorResponse.Error == "" {
			apiErr.ErrorResponse.Error = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
