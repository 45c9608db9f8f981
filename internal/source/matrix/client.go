package matrix

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

// initialFilter keeps the first sync small: one timeline event per room
// plus room state for classification.
const initialFilter = `{"room":{"timeline":{"limit":1},"state":{"lazy_load_members":true}}}`

// Client talks to a Matrix homeserver's client-server API.
type Client struct {
	homeserver string
	token      string
	sourceKey  string
	timeout    time.Duration
	httpClient *http.Client
}

// DefaultHomeserver is used when no homeserver URL is configured.
const DefaultHomeserver = "https://matrix.beeper.com"

// NewClient creates a new Matrix client. syncTimeout is how long the
// server may hold each sync request open.
func NewClient(homeserver, token, sourceKey string, syncTimeout time.Duration) *Client {
	if homeserver == "" {
		homeserver = DefaultHomeserver
	}
	return &Client{
		homeserver: strings.TrimRight(homeserver, "/"),
		token:      token,
		sourceKey:  sourceKey,
		timeout:    syncTimeout,
		httpClient: &http.Client{
			Timeout: syncTimeout + 30*time.Second,
		},
	}
}

// SyncTimeout returns the server-side long-poll timeout.
func (c *Client) SyncTimeout() time.Duration {
	return c.timeout
}

// Sync performs one long-poll sync. An empty since requests an initial
// sync using the compact filter.
func (c *Client) Sync(ctx context.Context, since string) (*SyncResponse, error) {
	params := url.Values{}
	if since != "" {
		params.Set("since", since)
		params.Set("timeout", strconv.FormatInt(c.timeout.Milliseconds(), 10))
	} else {
		params.Set("filter", initialFilter)
		params.Set("timeout", "0")
	}

	u := c.homeserver + "/_matrix/client/v3/sync?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing sync: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading sync response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp, body)
	}

	var out SyncResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling sync response: %w", err)
	}
	return &out, nil
}

func (c *Client) statusError(resp *http.Response, body []byte) error {
	var merr errorResponse
	_ = json.Unmarshal(body, &merr)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		msg := "access token rejected (401)"
		if merr.ErrCode != "" {
			msg = fmt.Sprintf("%s: %s", merr.ErrCode, merr.Error)
		}
		return &source.AuthError{Source: c.sourceKey, Message: msg}
	case http.StatusTooManyRequests:
		wait := time.Duration(merr.RetryAfterMS) * time.Millisecond
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, err := strconv.Atoi(h); err == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return &source.RateLimitError{Source: c.sourceKey, RetryAfter: wait}
	}

	if merr.ErrCode != "" {
		return fmt.Errorf("sync failed with status %d: %s: %s", resp.StatusCode, merr.ErrCode, merr.Error)
	}
	return fmt.Errorf("sync failed with status %d: %s", resp.StatusCode, string(body))
}
