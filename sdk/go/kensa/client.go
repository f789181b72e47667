package kensa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const userAgent = "kensa-go/0.1.0"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kensa server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 90-second timeout is used, matching the server's write timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 90 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the kensa API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kensa: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("kensa: invalid BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 90 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// Analyze uploads one image or video and waits for the verdict. The body is
// streamed, never buffered in memory.
//
// Every run the server finished, including failed ones, is returned as an
// AnalyzeResult with a nil error; check Verdict and HTTPStatus. An *Error is
// returned only when the server rejected the request before running it.
func (c *Client) Analyze(ctx context.Context, filename string, body io.Reader) (*AnalyzeResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("kensa: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kensa: read response body: %w", err)
	}

	var result AnalyzeResult
	if err := json.Unmarshal(raw, &result); err == nil && result.RunID != uuid.Nil {
		result.HTTPStatus = resp.StatusCode
		return &result, nil
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, raw)
	}
	return nil, fmt.Errorf("kensa: decode analyze response: missing run_id")
}

// GetRun retrieves one run from the server's history.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var run Run
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the most recent runs, newest first. A limit of zero uses
// the server default.
func (c *Client) ListRuns(ctx context.Context, limit int) (*RunList, error) {
	path := "/v1/runs"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	raw, status, err := c.getRaw(ctx, path)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, parseErrorResponse(status, raw)
	}
	var env listEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("kensa: decode run list: %w", err)
	}
	return &RunList{Runs: env.Data, HasMore: env.HasMore, Limit: env.Limit}, nil
}

// Health fetches the server health report. An unhealthy server answers 503
// but still returns a report, so the error is nil whenever one was decoded.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	raw, status, err := c.getRaw(ctx, "/health")
	if err != nil {
		return nil, err
	}
	var h Health
	if err := json.Unmarshal(raw, &h); err != nil || h.Status == "" {
		if status >= 400 {
			return nil, parseErrorResponse(status, raw)
		}
		return nil, fmt.Errorf("kensa: decode health response")
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string, dest any) error {
	raw, status, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if status >= 400 {
		return parseErrorResponse(status, raw)
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("kensa: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(raw, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("kensa: create request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("kensa: read response body: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kensa: %s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
