// Package shopify is a thin client for the outbound merchant-platform push
// the Outbound Dispatcher drives.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Client pushes order snapshots to the upstream merchant platform.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL with a bounded per-request timeout,
// per the recommended 10-20s client-side timeout on outbound calls.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Result is the outcome of one push attempt.
type Result struct {
	StatusCode int
	RetryAfter time.Duration
}

// PushOrder performs POST /admin/orders/{orderID} with payload as the JSON
// body. The caller interprets Result.StatusCode: 2xx is success, 429
// carries Result.RetryAfter (defaulting to 1s when the header is absent or
// unparseable), anything else is a non-retryable upstream failure.
func (c *Client) PushOrder(ctx context.Context, orderID string, payload any) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("shopify: marshal payload for %s: %w", orderID, err)
	}

	url := fmt.Sprintf("%s/admin/orders/%s", c.baseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("shopify: build request for %s: %w", orderID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("shopify: push order %s: %w", orderID, err)
	}
	defer resp.Body.Close()

	result := Result{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests {
		result.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return result, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return time.Second
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}
