package peersync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haivemind/haivemind/internal/model"
)

const (
	clientRetries     = 3
	clientBackoffBase = 200 * time.Millisecond
	clientBackoffCap  = 5 * time.Second
)

// Client speaks the peer RPC to one remote node.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a peer RPC client for the given base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Status fetches the peer's journal position.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/sync/v1/status", nil, &out)
	return out, err
}

// Pull fetches journal entries after the given checkpoint.
func (c *Client) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	var out PullResponse
	err := c.do(ctx, http.MethodPost, "/sync/v1/pull", req, &out)
	return out, err
}

// Push delivers journal entries to the peer.
func (c *Client) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	var out PushResponse
	err := c.do(ctx, http.MethodPost, "/sync/v1/push", req, &out)
	return out, err
}

// do issues one RPC with retries. Transport failures, 5xx responses, and
// TryAgainLater backpressure retry with exponential backoff; other HTTP
// errors fail immediately.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return model.Wrap(model.KindInvalidArgument, err, "encode %s request", path)
		}
	}

	var lastErr error
	for attempt := range clientRetries {
		if attempt > 0 {
			delay := min(clientBackoffBase<<(attempt-1), clientBackoffCap)
			select {
			case <-ctx.Done():
				return model.Wrap(model.KindTimeout, ctx.Err(), "peer rpc %s", path)
			case <-time.After(delay):
			}
		}

		retryable, err := c.attempt(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return model.Wrap(model.KindUnavailable, lastErr, "peer rpc %s exhausted retries", path)
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, out any) (retryable bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("peersync: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("peersync: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("peersync: decode %s response: %w", path, err)
		}
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, model.E(model.KindTryAgainLater, "peer backpressure on %s", path)
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("peersync: %s returned %d", path, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return false, model.E(model.KindForbidden, "peer rejected sync token on %s", path)
	default:
		msg := readError(resp.Body)
		return false, model.E(model.KindInvalidArgument, "peer rejected %s: %s", path, msg)
	}
}

func readError(r io.Reader) string {
	var e errorResponse
	if err := json.NewDecoder(r).Decode(&e); err != nil || e.Error == "" {
		return "unknown error"
	}
	return e.Error
}
