package remoteapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// maxTransportRetries bounds retries for network-level failures (no HTTP
// response at all) — distinct from the 401 refresh-and-retry-once dance,
// which is not a retry loop but a one-shot credential refresh.
const maxTransportRetries = 2

const transportRetryBackoff = 250 * time.Millisecond

// Client is an HTTP client for the hosted document store's REST API.
type Client struct {
	httpClient *http.Client
	state      *authState
	logger     *slog.Logger
}

// NewClient creates a Client bound to one project's auth session.
func NewClient(httpClient *http.Client, auth Auth, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: httpClient,
		state:      newAuthState(auth),
		logger:     logger,
	}
}

// restBase returns "<supabase_url>/rest/v1".
func (c *Client) restBase() string {
	return trimTrailingSlash(c.state.snapshot().SupabaseURL) + "/rest/v1"
}

// OwnerID returns the configured owner_id from the auth blob.
func (c *Client) OwnerID() string {
	return c.state.snapshot().OwnerID
}

// doRequest executes one authenticated REST call, handling the 401 →
// refresh → retry-once policy from spec.md §4.5. body, if non-nil, is
// buffered so the retry can resend it. extraHeaders are merged in on every
// attempt (e.g. "Prefer: return=representation").
func (c *Client) doRequest(
	ctx context.Context, method, path string, body []byte, extraHeaders http.Header,
) (*http.Response, error) {
	correlationID := uuid.NewString()

	resp, err := c.attempt(ctx, method, path, body, extraHeaders, correlationID)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	resp.Body.Close()

	c.logger.Warn("remoteapi: 401, refreshing session",
		slog.String("method", method),
		slog.String("path", path),
		slog.String("correlation_id", correlationID),
	)

	if _, err := c.state.refresh(ctx, c.httpClient); err != nil {
		return nil, fmt.Errorf("remoteapi: refreshing session after 401: %w", err)
	}

	return c.attempt(ctx, method, path, body, extraHeaders, correlationID)
}

// attempt performs a single HTTP round trip (no 401 handling), with a small
// bounded retry for transport-level failures only (no response at all) —
// spec.md treats any non-2xx HTTP response as final, but a connection
// reset or DNS blip is not an HTTP response and deserves a brief retry.
func (c *Client) attempt(
	ctx context.Context, method, path string, body []byte, extraHeaders http.Header, correlationID string,
) (*http.Response, error) {
	var lastErr error

	for try := 0; try <= maxTransportRetries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(transportRetryBackoff * time.Duration(try)):
			}
		}

		resp, err := c.doOnce(ctx, method, path, body, extraHeaders, correlationID)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		c.logger.Warn("remoteapi: transport error, retrying",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", try+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("remoteapi: %s %s failed after %d attempts: %w", method, path, maxTransportRetries+1, lastErr)
}

func (c *Client) doOnce(
	ctx context.Context, method, path string, body []byte, extraHeaders http.Header, correlationID string,
) (*http.Response, error) {
	url := c.restBase() + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("remoteapi: building request: %w", err)
	}

	snap := c.state.snapshot()
	req.Header.Set("apikey", snap.SupabaseAnonKey)
	req.Header.Set("Authorization", "Bearer "+snap.AccessToken)
	req.Header.Set("X-Correlation-Id", correlationID)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, vals := range extraHeaders {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	c.logger.Debug("remoteapi: request",
		slog.String("method", method),
		slog.String("path", path),
		slog.String("correlation_id", correlationID),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("remoteapi: response",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("correlation_id", correlationID),
	)

	return resp, nil
}

// do runs a call through doRequest (which handles the 401 refresh-and-retry)
// and returns the body and headers of a 2xx response, or an *Error carrying
// the status, x-vercel-id, and body for any other final status.
func (c *Client) do(ctx context.Context, method, path string, body []byte, extraHeaders http.Header) ([]byte, http.Header, error) {
	resp, err := c.doRequest(ctx, method, path, body, extraHeaders)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, nil, fmt.Errorf("remoteapi: reading response body: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &Error{
			StatusCode: resp.StatusCode,
			VercelID:   resp.Header.Get("x-vercel-id"),
			Body:       string(respBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	return respBody, resp.Header, nil
}
