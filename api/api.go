// Package api implements the HTTP client for the registry API: fetching
// checkpoints and log records, publishing package records, content
// transfer, and proof retrieval with local verification.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidelog/tidelog/registry"
)

// maxErrorBody bounds how much of an error response body is read.
const maxErrorBody = 64 << 10

// ErrLogNotFound matches API errors reporting that a requested log does
// not exist on the registry.
var ErrLogNotFound = errors.New("api: log not found")

// Error is a structured error response from the registry.
type Error struct {
	// Status is the HTTP status code.
	Status int `json:"-"`

	// Code is the machine-readable error code.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// LogID is set for "log_not_found" errors to identify the
	// unresolved log.
	LogID registry.LogID `json:"logId,omitempty"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: registry error (status %d, code %q): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: registry error (status %d, code %q)", e.Status, e.Code)
}

// Is lets errors.Is(err, ErrLogNotFound) match log-not-found responses.
func (e *Error) Is(target error) bool {
	return target == ErrLogNotFound && e.Code == "log_not_found"
}

// LogNotFoundID extracts the unresolved log ID from a log-not-found
// error, if err is one.
func LogNotFoundID(err error) (registry.LogID, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Code == "log_not_found" {
		return apiErr.LogID, true
	}
	return "", false
}

// Client talks to a single registry over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// New creates a client for the registry at baseURL. A URL without a
// scheme defaults to https.
func New(baseURL string, opts ...Option) (*Client, error) {
	normalized, err := normalizeURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: normalized,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	return c, nil
}

// URL returns the normalized base URL of the registry.
func (c *Client) URL() string { return c.baseURL }

func normalizeURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("api: registry URL is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("api: invalid registry URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("api: invalid registry URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

// getJSON issues a GET and decodes a JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.doJSON(req, out)
}

// postJSON issues a POST with a JSON body and decodes a JSON response
// into out.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decoding response from %s: %w", req.URL.Path, err)
	}
	return nil
}

// responseError converts a non-2xx response into an *Error, preserving
// the registry's structured error body when it provides one.
func responseError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil && len(body) > 0 {
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil {
			apiErr.Message = strings.TrimSpace(string(body))
		}
	}
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
