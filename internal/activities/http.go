// Package activities provides ready-made activity implementations the
// host can register alongside its own.
package activities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"duraflow/internal/engine"
)

type httpRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

type httpResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// HTTPRequest performs an HTTP call described by the first argument (a
// JSON object) and returns the response. 4xx/5xx statuses are errors so
// the retry policy applies.
func HTTPRequest(ctx *engine.ActivityContext, args []any, kwargs map[string]any) (any, error) {
	var req httpRequest
	if err := decodeArg(args, kwargs, &req); err != nil {
		return nil, fmt.Errorf("invalid HTTP request payload: %w", err)
	}

	if req.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	client := &http.Client{Timeout: time.Duration(req.Timeout) * time.Second}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader([]byte(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return httpResponse{StatusCode: resp.StatusCode, Headers: headers, Body: string(respBody)}, nil
}

// decodeArg round-trips the first positional arg (or the kwargs map) into
// the target struct.
func decodeArg(args []any, kwargs map[string]any, v any) error {
	var src any
	switch {
	case len(args) > 0:
		src = args[0]
	case len(kwargs) > 0:
		src = kwargs
	default:
		return fmt.Errorf("missing payload")
	}
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
