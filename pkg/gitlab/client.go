// Package gitlab provides the upstream client bound to one credential pair
// and the one-shot credential validator. The gateway only needs a thin
// surface here: build a client once per session, probe the credential once,
// and hand the client to tool handlers.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	gwerrors "github.com/gitlab-mcp/gateway/pkg/errors"
)

const (
	// DefaultAPIPath is appended to base URLs that carry no version segment
	DefaultAPIPath = "/api/v4"

	// SupportedAPIVersion is the only upstream REST version the gateway speaks
	SupportedAPIVersion = "v4"

	// DefaultTimeout bounds every upstream call; a timed-out call is reported
	// as unreachable, never left pending.
	DefaultTimeout = 30 * time.Second

	tokenHeader = "PRIVATE-TOKEN"
)

var apiVersionPattern = regexp.MustCompile(`/api/(v\d+)(/|$)`)

// Credentials is the credential pair identifying one logical client.
type Credentials struct {
	Token   string
	BaseURL string
}

// NormalizeBaseURL canonicalizes an upstream base URL. A URL whose path
// already names a supported version is used as-is; one naming an unsupported
// version is rejected outright; one with no version segment gets the default
// version path appended to its origin.
func NormalizeBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", gwerrors.MalformedRequest("empty base URL")
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", gwerrors.MalformedRequest(fmt.Sprintf("invalid base URL %q", raw))
	}

	if m := apiVersionPattern.FindStringSubmatch(parsed.Path); m != nil {
		if m[1] != SupportedAPIVersion {
			return "", gwerrors.UnsupportedAPIVersion(m[1])
		}
		return strings.TrimRight(raw, "/"), nil
	}

	origin := parsed.Scheme + "://" + parsed.Host
	return origin + DefaultAPIPath, nil
}

// Hooks are explicit pre/post observation points around every upstream call.
// Nil hooks are skipped. They exist so logging and metrics wrap the client
// from the outside instead of an interceptor hidden inside it.
type Hooks struct {
	Before func(ctx context.Context, method, url string)
	After  func(ctx context.Context, method, url string, status int, duration time.Duration, err error)
}

// Client is a request client pre-configured with one credential pair.
// It is created once per session and reused for the session's lifetime.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	hooks   Hooks
}

// NewClient builds a client bound to the given, already-normalized
// credentials. No retries, no caching.
func NewClient(creds Credentials, timeout time.Duration, hooks Hooks) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: creds.BaseURL,
		token:   creds.Token,
		httpc:   &http.Client{Timeout: timeout},
		hooks:   hooks,
	}
}

// BaseURL returns the normalized upstream base URL this client is bound to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do performs one upstream REST call. A non-nil out is filled from the JSON
// response body. Transport failures and timeouts are classified as
// upstream-unreachable; HTTP error statuses are returned as *StatusError so
// callers can inspect them.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(tokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.hooks.Before != nil {
		c.hooks.Before(ctx, method, reqURL)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	duration := time.Since(start)

	if err != nil {
		if c.hooks.After != nil {
			c.hooks.After(ctx, method, reqURL, 0, duration, err)
		}
		return gwerrors.UpstreamUnreachable(err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if c.hooks.After != nil {
		c.hooks.After(ctx, method, reqURL, resp.StatusCode, duration, nil)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return gwerrors.UpstreamUnreachable(err.Error()).WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode upstream response: %w", err)
		}
	}
	return nil
}

// StatusError is an upstream HTTP error status with its response body
type StatusError struct {
	Status int
	Body   string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}
