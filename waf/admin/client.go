package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gatewarden/waf/blocklist"
)

// Client calls the admin API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) Block(ctx context.Context, ip, reason string) (BlockResponse, error) {
	var out BlockResponse
	err := c.do(ctx, http.MethodPost, "/admin/blocks", BlockRequest{IP: ip, Reason: reason}, &out)
	return out, err
}

func (c *Client) Unblock(ctx context.Context, ip string) (UnblockResponse, error) {
	var out UnblockResponse
	err := c.do(ctx, http.MethodDelete, "/admin/blocks/"+url.PathEscape(ip), nil, &out)
	return out, err
}

func (c *Client) Blocks(ctx context.Context) ([]blocklist.Entry, error) {
	var out []blocklist.Entry
	err := c.do(ctx, http.MethodGet, "/admin/blocks", nil, &out)
	return out, err
}

// Stats fetches statistics for [since, until). Zero bounds are omitted.
func (c *Client) Stats(ctx context.Context, since, until time.Time) (SecurityStats, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339))
	}
	if !until.IsZero() {
		q.Set("until", until.Format(time.RFC3339))
	}
	path := "/admin/stats"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out SecurityStats
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	var out CleanupResult
	err := c.do(ctx, http.MethodPost, "/admin/cleanup", CleanupRequest{RetentionDays: retentionDays}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil {
			apiErr.Code, apiErr.Message = e.Error, e.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("admin api: decode response: %w", err)
	}
	return nil
}
