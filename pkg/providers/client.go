package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/castwork/castwork/pkg/engine"
)

// maxResponseBody bounds a provider response body.
const maxResponseBody = 8 << 20

// Client performs JSON requests against an OpenAI-compatible backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	timeout    time.Duration
}

// NewClient creates a client. A zero timeout means 120 seconds.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")

	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
	}
}

// PostJSON posts body to path and returns the raw response body. idempotencyKey is
// forwarded in the Idempotency-Key header when set.
func (c *Client) PostJSON(ctx context.Context, path string, body interface{}, idempotencyKey string) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to marshal request: %v", err), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to create HTTP request: %v", err), err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, MapNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, MapHTTPError(resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, MapNetworkError(err)
	}
	return raw, nil
}
