// Package directory is the client for the external session directory,
// the public service where hosts first announce themselves. The Manager
// consults it for proof-of-control (attach codes) and proof-of-ownership
// (listings).
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/privatebeach/beach-manager/internal/logger"
)

// ErrCodeInvalid is permanent: the presented code does not control the
// session. Callers should not retry.
var ErrCodeInvalid = errors.New("attach code invalid")

// ErrNotOwned is permanent: the requester does not own the session.
var ErrNotOwned = errors.New("session not owned by requester")

// ErrUnreachable is retryable: the directory could not be reached or
// answered with a server error.
var ErrUnreachable = errors.New("session directory unreachable")

// Client talks to the directory over HTTP with bounded retries on
// transport failures.
type Client struct {
	baseURL string
	http    *http.Client

	maxAttempts int
	baseDelay   time.Duration
}

// NewClient builds a directory client. An empty baseURL yields a client
// whose verifications always report ErrUnreachable; used in hermetic tests.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:     baseURL,
		http:        &http.Client{Timeout: 5 * time.Second},
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}
}

// VerifyCode checks proof-of-control for a session. Returns nil when the
// code is valid, ErrCodeInvalid when rejected, ErrUnreachable when the
// directory cannot answer.
func (c *Client) VerifyCode(ctx context.Context, originSessionID, code string) error {
	body, _ := json.Marshal(map[string]string{
		"session_id": originSessionID,
		"code":       code,
	})
	status, err := c.post(ctx, "/v1/sessions/verify-code", body)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusForbidden || status == http.StatusNotFound:
		return ErrCodeInvalid
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrUnreachable, status)
	}
}

// VerifyOwnership checks proof-of-ownership for a session.
func (c *Client) VerifyOwnership(ctx context.Context, originSessionID, accountID string) error {
	body, _ := json.Marshal(map[string]string{
		"session_id": originSessionID,
		"account_id": accountID,
	})
	status, err := c.post(ctx, "/v1/sessions/verify-ownership", body)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusForbidden || status == http.StatusNotFound:
		return ErrNotOwned
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrUnreachable, status)
	}
}

// post issues the request with bounded exponential backoff on transport
// failures and 5xx responses. 4xx responses return immediately; they are
// answers, not outages.
func (c *Client) post(ctx context.Context, path string, body []byte) (int, error) {
	if c.baseURL == "" {
		return 0, ErrUnreachable
	}

	delay := c.baseDelay
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return 0, fmt.Errorf("build directory request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return resp.StatusCode, nil
			}
			lastErr = fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
		} else {
			lastErr = fmt.Errorf("%w: %v", ErrUnreachable, err)
		}

		if attempt == c.maxAttempts {
			break
		}
		logger.Registry().Warn().
			Int("attempt", attempt).
			Str("path", path).
			Msg("Directory request failed, retrying")
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return 0, lastErr
}
