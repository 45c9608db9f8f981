package beeper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/vibez-sync/internal/source"
)

// DefaultBaseURL is the Beeper Desktop API's local listener.
const DefaultBaseURL = "http://localhost:23373"

// Client is a thin HTTP client for the Beeper Desktop API. It handles
// Bearer token authentication and maps 401/429 responses onto the
// source error types. It never retries.
type Client struct {
	baseURL    string
	token      string
	sourceKey  string
	httpClient *http.Client
}

// NewClient creates a new Beeper Desktop API client.
func NewClient(baseURL, token, sourceKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		sourceKey: sourceKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Get performs an authenticated GET and unmarshals the JSON response.
func (c *Client) Get(
	ctx context.Context,
	path string,
	params url.Values,
	result interface{},
) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	return c.do(req, path, result)
}

// Introspect asks the OAuth introspection endpoint about the client's
// own token.
func (c *Client) Introspect(ctx context.Context) (*TokenInfo, error) {
	form := url.Values{
		"token":           {c.token},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/oauth/introspect",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var info TokenInfo
	if err := c.do(req, "/oauth/introspect", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) do(req *http.Request, path string, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request %s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &source.AuthError{
			Source:  c.sourceKey,
			Message: "Beeper API token expired or invalid (401)",
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &source.RateLimitError{
			Source:     c.sourceKey,
			RetryAfter: retryAfter(resp),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf(
			"unexpected status %d on %s %s: %s",
			resp.StatusCode, req.Method, path, string(body),
		)
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshaling response from %s: %w", path, err)
	}
	return nil
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(resp *http.Response) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
