package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type errorResponse struct {
	Error  string              `json:"error"`
	Fields map[string][]string `json:"fields,omitempty"`
}

// Client talks to a running MailRota API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 2 * time.Minute}}
}

// Do sends a request and decodes a JSON response into target when non-nil.
// Body may be nil, an io.Reader sent as-is with contentType, or a value
// marshalled as JSON.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any, contentType string, target any) error {
	var reqBody io.Reader
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reqBody = b
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
		contentType = "application/json"
	}

	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var er errorResponse
		if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
			if len(er.Fields) > 0 {
				return fmt.Errorf("API error (%d): %s %v", resp.StatusCode, er.Error, er.Fields)
			}
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, er.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(raw))
	}

	if target != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
