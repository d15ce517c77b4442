// Package kintone talks to the kintone REST API that holds the defect app.
//
// Client is a thin blocking REST client. Syncer layers the connectivity
// flag, batching and metrics on top of it and is what the session uses.
package kintone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxRecordsPerRequest is the API limit for bulk create/update/delete.
const MaxRecordsPerRequest = 100

// Config holds the connection settings of the defect app.
type Config struct {
	Subdomain string
	AppID     string
	APIToken  string
	// BaseURL overrides https://<subdomain>.cybozu.com.
	BaseURL string
	Timeout time.Duration
	Retry   RetryConfig
}

// Client performs REST calls against one kintone app.
type Client struct {
	baseURL string
	appID   string
	token   string
	http    *http.Client
	retry   RetryConfig
	logger  *log.Logger
}

// NewClient creates a Client. It returns ErrNotConfigured when the app id,
// token or both subdomain and base URL are missing.
//
// If logger is nil, a default logger writing to stderr is used.
func NewClient(cfg Config, logger *log.Logger) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" && strings.TrimSpace(cfg.Subdomain) != "" {
		baseURL = "https://" + strings.TrimSpace(cfg.Subdomain) + ".cybozu.com"
	}
	if baseURL == "" || strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.APIToken) == "" {
		return nil, ErrNotConfigured
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[kintone] ", log.LstdFlags)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   strings.TrimSpace(cfg.AppID),
		token:   strings.TrimSpace(cfg.APIToken),
		http:    &http.Client{Timeout: timeout},
		retry:   retry,
		logger:  logger,
	}, nil
}

// BaseURL returns the API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping probes reachability and credentials by reading the app settings.
func (c *Client) Ping(ctx context.Context) error {
	params := url.Values{"id": {c.appID}}
	return c.do(ctx, http.MethodGet, "/k/v1/app.json", params, nil, nil)
}

// CreateRecords adds records and returns their ids in input order.
func (c *Client) CreateRecords(ctx context.Context, records []Record) ([]string, error) {
	var ids []string
	for start := 0; start < len(records); start += MaxRecordsPerRequest {
		end := min(start+MaxRecordsPerRequest, len(records))
		body := map[string]interface{}{
			"app":     c.appID,
			"records": records[start:end],
		}
		var resp struct {
			IDs []string `json:"ids"`
		}
		if err := c.do(ctx, http.MethodPost, "/k/v1/records.json", nil, body, &resp); err != nil {
			return ids, fmt.Errorf("failed to create records: %w", err)
		}
		if len(resp.IDs) != end-start {
			return ids, fmt.Errorf("failed to create records: got %d ids for %d records", len(resp.IDs), end-start)
		}
		ids = append(ids, resp.IDs...)
	}
	return ids, nil
}

// UpdateRecords overwrites the given fields of existing records.
func (c *Client) UpdateRecords(ctx context.Context, updates []RecordUpdate) error {
	for start := 0; start < len(updates); start += MaxRecordsPerRequest {
		end := min(start+MaxRecordsPerRequest, len(updates))
		body := map[string]interface{}{
			"app":     c.appID,
			"records": updates[start:end],
		}
		if err := c.do(ctx, http.MethodPut, "/k/v1/records.json", nil, body, nil); err != nil {
			return fmt.Errorf("failed to update records: %w", err)
		}
	}
	return nil
}

// DeleteRecords removes records by id.
func (c *Client) DeleteRecords(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += MaxRecordsPerRequest {
		end := min(start+MaxRecordsPerRequest, len(ids))
		params := url.Values{"app": {c.appID}}
		for i, id := range ids[start:end] {
			params.Set("ids["+strconv.Itoa(i)+"]", id)
		}
		if err := c.do(ctx, http.MethodDelete, "/k/v1/records.json", params, nil, nil); err != nil {
			return fmt.Errorf("failed to delete records: %w", err)
		}
	}
	return nil
}

// do sends one request, retrying transient failures with backoff. POST
// creates records, so it is retried only on 429 and 503.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	idempotent := method != http.MethodPost

	var err error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		err = c.send(ctx, method, path, params, payload, out)
		if err == nil || !isRetryable(err, idempotent) || ctx.Err() != nil {
			return err
		}
		if attempt == c.retry.MaxAttempts {
			break
		}
		delay := Backoff(attempt, c.retry)
		c.logger.Printf("WARNING: %s %s failed (attempt %d/%d), retrying in %s: %v",
			method, path, attempt, c.retry.MaxAttempts, delay, err)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, params url.Values, payload []byte, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Cybozu-API-Token", c.token)
	req.Header.Set("Accept", "application/json")
	// kintone rejects a JSON content type on bodiless requests.
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
