package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// StatusError is returned for a non-2xx reply to a JSON call
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// Client represents an HTTP client with common functionality
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client whose requests are bounded by timeout overall
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewStreamingClient creates a client that only bounds connection setup.
// Request lifetime is left to the caller's context so long responses can
// be streamed.
func NewStreamingClient(connectTimeout time.Duration) *Client {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Do sends req as is
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// PostJSON performs a POST request with JSON body and unmarshals the response
func (c *Client) PostJSON(ctx context.Context, url string, data interface{}, target interface{}) error {
	return c.doJSON(ctx, http.MethodPost, url, data, target)
}

// Delete performs a DELETE request
func (c *Client) Delete(ctx context.Context, url string) error {
	return c.doJSON(ctx, http.MethodDelete, url, nil, nil)
}

// PostWithRetry performs a JSON POST, retrying with linear backoff
func (c *Client) PostWithRetry(ctx context.Context, url string, data interface{}, target interface{}, maxRetries int) error {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		lastErr = c.PostJSON(ctx, url, data, target)
		if lastErr == nil {
			return nil
		}

		// Wait before retry
		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * time.Second):
			}
		}
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doJSON(ctx context.Context, method, url string, data interface{}, target interface{}) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
